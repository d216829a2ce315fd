package suite

import "testing"

func TestResolveEnvironmentPrecedence(t *testing.T) {
	t.Parallel()
	envs := []Environment{
		{ID: "env-1", Key: "staging", Name: "Staging"},
		{ID: "env-2", Key: "env-1", Name: "Shadow"},
		{ID: "env-3", Key: "prod", Name: "staging"},
	}

	tests := []struct {
		name string
		ref  string
		want string
	}{
		{name: "id wins over key", ref: "env-1", want: "env-1"},
		{name: "key", ref: "prod", want: "env-3"},
		{name: "key wins over name", ref: "staging", want: "env-1"},
		{name: "name case-insensitive", ref: "SHADOW", want: "env-2"},
		{name: "empty", ref: "  ", want: ""},
		{name: "unknown", ref: "qa", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveEnvironment(envs, tt.ref)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("ResolveEnvironment(%q) = %+v, want nil", tt.ref, got)
				}
				return
			}
			if got == nil || got.ID != tt.want {
				t.Fatalf("ResolveEnvironment(%q) = %+v, want %s", tt.ref, got, tt.want)
			}
		})
	}
}

func TestScheduleDefaults(t *testing.T) {
	t.Parallel()
	var d ScheduleDefinition
	if !d.EffectiveHeadless() {
		t.Fatal("unset headless should default to true")
	}
	if d.EffectiveWorkers() != DefaultWorkerCount {
		t.Fatalf("workers = %d, want %d", d.EffectiveWorkers(), DefaultWorkerCount)
	}
	off := false
	d.Headless = &off
	d.WorkerCount = 3
	if d.EffectiveHeadless() || d.EffectiveWorkers() != 3 {
		t.Fatalf("explicit values not honored: %+v", d)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	t.Parallel()
	h := true
	s := TestSuite{ID: "S1", TestCases: []string{"a"}, Schedule: &ScheduleDefinition{CronExpression: "* * * * *", Headless: &h}}
	cp := s.Clone()
	cp.TestCases[0] = "b"
	*cp.Schedule.Headless = false
	cp.Schedule.CronExpression = "0 * * * *"

	if s.TestCases[0] != "a" || !*s.Schedule.Headless || s.Schedule.CronExpression != "* * * * *" {
		t.Fatalf("original mutated through clone: %+v", s)
	}
}
