package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"aitester/internal/eventbus"
	"aitester/internal/execution"
	"aitester/internal/schedule"
	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int
	sent  chan struct{}
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(chan struct{}, 16)} }

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("telegram 502")
	}
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	f.sent <- struct{}{}
	return nil
}

func (f *fakeSender) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeSender) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.sent:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for send %d/%d", i+1, n)
		}
	}
}

func testConfig() Config {
	return Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestAlertFromEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   eventbus.Event
		ok   bool
		want string
	}{
		{
			name: "failed execution",
			ev: eventbus.Event{Type: eventbus.ExecutionFailed, Data: execution.Event{
				ExecutionID: "x1", SuiteID: "S1", SuiteName: "checkout", Status: suite.StatusFailed, Trigger: "schedule", Environment: "staging",
			}},
			ok:   true,
			want: "Suite checkout failed (schedule run, env staging)",
		},
		{
			name: "dispatch failed before execution",
			ev:   eventbus.Event{Type: eventbus.ScheduleDispatchFailed, Data: schedule.FireEvent{SuiteID: "S1", Trigger: "schedule", Error: "store locked"}},
			ok:   true,
			want: "Run of S1 could not start",
		},
		{
			name: "dispatch failed with execution is reported once",
			ev:   eventbus.Event{Type: eventbus.ScheduleDispatchFailed, Data: schedule.FireEvent{SuiteID: "S1", ExecutionID: "x1"}},
		},
		{
			name: "finished execution",
			ev:   eventbus.Event{Type: eventbus.ExecutionFinished, Data: execution.Event{SuiteID: "S1"}},
		},
		{
			name: "wrong payload",
			ev:   eventbus.Event{Type: eventbus.ExecutionFailed, Data: "S1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, ok := alertFromEvent(tc.ev)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && !strings.HasPrefix(a.Text, tc.want) {
				t.Fatalf("text = %q, want prefix %q", a.Text, tc.want)
			}
		})
	}
}

func TestBusEventsBecomeAlerts(t *testing.T) {
	bus := eventbus.New()
	snd := newFakeSender()
	s := New(testConfig(), snd, logx.Nop(), bus)
	s.Start(context.Background())
	defer stop(t, s)

	eventbus.Publish(bus, eventbus.ExecutionFinished, execution.Event{SuiteID: "S1", Status: suite.StatusPassed})
	eventbus.Publish(bus, eventbus.ExecutionFailed, execution.Event{SuiteID: "S1", ExecutionID: "x1", Status: suite.StatusError, Error: "runner missing"})
	snd.wait(t, 1)

	texts := snd.all()
	if len(texts) != 1 || !strings.Contains(texts[0], "runner missing") || !strings.HasPrefix(texts[0], "🚨 ") {
		t.Fatalf("texts = %q", texts)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Kind != eventbus.ExecutionFailed {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	snd := newFakeSender()
	snd.fails = 2
	s := New(testConfig(), snd, logx.Nop(), nil)
	s.Start(context.Background())
	defer stop(t, s)

	if err := s.Notify(context.Background(), Alert{Kind: "test", Text: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	snd.wait(t, 1)
	if got := snd.all(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("texts = %q", got)
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	snd := newFakeSender()
	s := New(cfg, snd, logx.Nop(), nil)
	s.Start(context.Background())

	a := Alert{Kind: "test", SuiteID: "S1", Text: "same"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), a); err != nil {
			t.Fatalf("Notify #%d: %v", i, err)
		}
	}
	if err := s.Notify(context.Background(), Alert{Kind: "test", SuiteID: "S2", Text: "same"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	stop(t, s)

	if got := snd.all(); len(got) != 2 {
		t.Fatalf("sent %d alerts, want 2: %q", len(got), got)
	}
}

func TestNotifyStates(t *testing.T) {
	disabled := New(Config{}, newFakeSender(), logx.Nop(), nil)
	if err := disabled.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s := New(testConfig(), newFakeSender(), logx.Nop(), nil)
	if err := s.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start err = %v, want ErrStopped", err)
	}
	s.Start(context.Background())
	stop(t, s)
	if err := s.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v, want ErrStopped", err)
	}
}

type blockingSender struct{ release chan struct{} }

func (b blockingSender) Send(ctx context.Context, text string) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestQueueFullDrops(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.Workers = 1
	snd := blockingSender{release: make(chan struct{})}
	s := New(cfg, snd, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(snd.release)
		stop(t, s)
	}()

	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := s.Notify(context.Background(), Alert{Kind: "test", Text: strings.Repeat("x", i+1)})
		full = errors.Is(err, ErrQueueFull)
	}
	if !full {
		t.Fatalf("queue never reported full")
	}
}
