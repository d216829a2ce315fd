package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	return map[string]func() Store{
		"file": func() Store {
			return mustOpen(t, Config{Driver: "file", Path: filepath.Join(dir, "file", "aitester.json")})
		},
		"sqlite": func() Store {
			return mustOpen(t, Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "aitester.db")})
		},
	}
}

func mustOpen(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	return st
}

func TestSuiteRoundTripAndReplace(t *testing.T) {
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			created, err := st.CreateTestSuite(ctx, suite.TestSuite{Name: "checkout", TestCases: []string{"tc-1", "tc-2"}})
			if err != nil {
				t.Fatalf("CreateTestSuite: %v", err)
			}
			if created.ID == "" || created.CreatedAt.IsZero() {
				t.Fatalf("expected id and timestamps, got %+v", created)
			}
			if _, err := st.CreateTestSuite(ctx, suite.TestSuite{ID: created.ID, Name: "dup"}); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate create err = %v, want ErrExists", err)
			}
			second, err := st.CreateTestSuite(ctx, suite.TestSuite{ID: "S2", Name: "login"})
			if err != nil {
				t.Fatalf("CreateTestSuite S2: %v", err)
			}

			suites, err := st.ListTestSuites(ctx)
			if err != nil {
				t.Fatalf("ListTestSuites: %v", err)
			}
			if len(suites) != 2 || suites[0].ID != created.ID || suites[1].ID != second.ID {
				t.Fatalf("unexpected suites: %+v", suites)
			}
			if len(suites[0].TestCases) != 2 || suites[0].TestCases[1] != "tc-2" {
				t.Fatalf("test cases lost: %+v", suites[0].TestCases)
			}

			headless := false
			suites[1].Schedule = &suite.ScheduleDefinition{
				CronExpression: "*/5 * * * *", Enabled: true, EnvironmentRef: "env-A",
				Headless: &headless, WorkerCount: 2,
			}
			if err := st.ReplaceTestSuites(ctx, suites); err != nil {
				t.Fatalf("ReplaceTestSuites: %v", err)
			}

			got, err := st.ListTestSuites(ctx)
			if err != nil {
				t.Fatalf("ListTestSuites: %v", err)
			}
			def := got[1].Schedule
			if def == nil || def.CronExpression != "*/5 * * * *" || !def.Enabled || def.WorkerCount != 2 {
				t.Fatalf("schedule not persisted: %+v", def)
			}
			if def.Headless == nil || *def.Headless {
				t.Fatalf("headless not persisted: %+v", def.Headless)
			}
			if got[0].Schedule != nil {
				t.Fatalf("unexpected schedule on first suite: %+v", got[0].Schedule)
			}
			if !got[0].CreatedAt.Equal(created.CreatedAt) {
				t.Fatalf("created_at = %v, want %v", got[0].CreatedAt, created.CreatedAt)
			}

			// Mutating the returned slice must not leak into the store.
			got[1].Schedule.CronExpression = "0 0 * * *"
			again, _ := st.ListTestSuites(ctx)
			if again[1].Schedule.CronExpression != "*/5 * * * *" {
				t.Fatalf("store aliased caller memory: %+v", again[1].Schedule)
			}
		})
	}
}

func TestEnvironmentsUpsert(t *testing.T) {
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			env, err := st.PutEnvironment(ctx, suite.Environment{Key: "staging", Name: "Staging", BaseURL: "https://staging.example"})
			if err != nil {
				t.Fatalf("PutEnvironment: %v", err)
			}
			if env.ID == "" {
				t.Fatal("expected generated id")
			}
			env.Variables = map[string]string{"USER": "qa"}
			env.BaseURL = "https://stg.example"
			if _, err := st.PutEnvironment(ctx, env); err != nil {
				t.Fatalf("PutEnvironment update: %v", err)
			}

			envs, err := st.ListEnvironments(ctx)
			if err != nil {
				t.Fatalf("ListEnvironments: %v", err)
			}
			if len(envs) != 1 {
				t.Fatalf("len = %d, want 1", len(envs))
			}
			if envs[0].BaseURL != "https://stg.example" || envs[0].Variables["USER"] != "qa" || envs[0].Key != "staging" {
				t.Fatalf("unexpected env: %+v", envs[0])
			}
		})
	}
}

func TestExecutionsNewestFirst(t *testing.T) {
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			recs := []suite.Execution{
				{ID: "e1", SuiteID: "S1", Status: suite.StatusPassed, Trigger: suite.TriggerSchedule, StartedAt: base},
				{ID: "e2", SuiteID: "S2", Status: suite.StatusFailed, Trigger: suite.TriggerManual, StartedAt: base.Add(time.Minute)},
				{ID: "e3", SuiteID: "S1", Status: suite.StatusError, Trigger: suite.TriggerSchedule, StartedAt: base.Add(2 * time.Minute), Error: "runner: boom"},
			}
			for _, r := range recs {
				r.FinishedAt = r.StartedAt.Add(time.Second)
				r.Attempts = 1
				if err := st.AppendExecution(ctx, r); err != nil {
					t.Fatalf("AppendExecution %s: %v", r.ID, err)
				}
			}

			all, err := st.ListExecutions(ctx, "", 0)
			if err != nil {
				t.Fatalf("ListExecutions: %v", err)
			}
			if len(all) != 3 || all[0].ID != "e3" || all[2].ID != "e1" {
				t.Fatalf("unexpected order: %+v", all)
			}

			s1, err := st.ListExecutions(ctx, "S1", 1)
			if err != nil {
				t.Fatalf("ListExecutions S1: %v", err)
			}
			if len(s1) != 1 || s1[0].ID != "e3" || s1[0].Error != "runner: boom" {
				t.Fatalf("unexpected S1 page: %+v", s1)
			}
			if !s1[0].StartedAt.Equal(base.Add(2 * time.Minute)) {
				t.Fatalf("started_at = %v", s1[0].StartedAt)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "aitester.json")

	st := mustOpen(t, Config{Driver: "file", Path: path})
	if _, err := st.CreateTestSuite(ctx, suite.TestSuite{ID: "S1", Name: "smoke"}); err != nil {
		t.Fatalf("CreateTestSuite: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.ListTestSuites(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("list after close err = %v, want ErrClosed", err)
	}

	st2 := mustOpen(t, Config{Driver: "file", Path: path})
	defer st2.Close()
	suites, err := st2.ListTestSuites(ctx)
	if err != nil {
		t.Fatalf("ListTestSuites: %v", err)
	}
	if len(suites) != 1 || suites[0].ID != "S1" {
		t.Fatalf("suites after reopen = %+v", suites)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Logger{}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
