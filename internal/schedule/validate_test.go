package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "aitester/pkg/logx"
)

func TestParseCron(t *testing.T) {
	cases := []struct {
		expr string
		ok   bool
	}{
		{"*/5 * * * *", true},
		{"0 0 * * *", true},
		{"15,45 8-18 * * 1-5", true},
		{"  0   12 1 1 *  ", true},
		{"x y z", false},
		{"* * * *", false},
		{"* * * * * *", false},
		{"@daily", false},
		{"0 0 * JAN *", false},
		{"0 0 * * MON", false},
		{"0 0 ? * *", false},
		{"60 * * * *", false},
		{"* 24 * * *", false},
		{"", false},
	}
	for _, tc := range cases {
		_, err := ParseCron(tc.expr)
		if tc.ok && err != nil {
			t.Fatalf("ParseCron(%q): %v", tc.expr, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("ParseCron(%q): expected error", tc.expr)
			}
			var ie *InvalidScheduleError
			if !errors.As(err, &ie) || ie.Expr != tc.expr {
				t.Fatalf("ParseCron(%q): err = %#v", tc.expr, err)
			}
		}
	}
}

func TestNextFiresUTC(t *testing.T) {
	sched, err := ParseCron("30 2 * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	from := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	got := nextFires(sched, from, 3)
	if len(got) != 3 {
		t.Fatalf("got %d fires", len(got))
	}
	for i, f := range got {
		want := time.Date(2026, 3, 2+i, 2, 30, 0, 0, time.UTC)
		if !f.Equal(want) {
			t.Fatalf("fire %d = %v, want %v", i, f, want)
		}
	}
	if nextFires(sched, from, 0) != nil {
		t.Fatalf("n=0 should return nil")
	}
}

func TestValidateCron(t *testing.T) {
	next, err := ValidateCron("*/10 * * * *", 5)
	if err != nil {
		t.Fatalf("ValidateCron: %v", err)
	}
	if len(next) != 5 {
		t.Fatalf("len = %d", len(next))
	}
	for i, n := range next {
		if n.Location() != time.UTC || n.Minute()%10 != 0 {
			t.Fatalf("next[%d] = %v", i, n)
		}
		if i > 0 && n.Sub(next[i-1]) != 10*time.Minute {
			t.Fatalf("gap %v between %v and %v", n.Sub(next[i-1]), next[i-1], n)
		}
	}
	if _, err := ValidateCron("nope", 5); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v", err)
	}
}

func TestCronTriggererLifecycle(t *testing.T) {
	ct := NewCronTriggerer(logx.Nop())

	if err := ct.Validate("* * * *"); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("Validate err = %v", err)
	}
	tr, err := ct.Schedule("*/5 * * * *", func() {})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if tr.Running() {
		t.Fatalf("running before Start")
	}
	next, ok := tr.NextFire()
	if !ok || next.Minute()%5 != 0 || next.Location() != time.UTC {
		t.Fatalf("next before start = %v ok=%v", next, ok)
	}

	ct.Start()
	if !tr.Running() {
		t.Fatalf("not running after Start")
	}
	if next, ok := tr.NextFire(); !ok || !next.After(time.Now()) {
		t.Fatalf("next after start = %v ok=%v", next, ok)
	}

	tr.Stop()
	tr.Stop()
	if tr.Running() {
		t.Fatalf("running after Stop")
	}
	if _, ok := tr.NextFire(); ok {
		t.Fatalf("stopped trigger reports a next fire")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ct.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := ct.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
