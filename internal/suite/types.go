// Package suite holds the persisted domain records: test suites, their
// optional schedule definitions, execution environments and execution history.
package suite

import (
	"strings"
	"time"
)

const (
	// DefaultWorkerCount is used when a schedule leaves WorkerCount unset.
	DefaultWorkerCount = 1
	// MaxWorkerCount bounds the per-run worker count a schedule may request.
	MaxWorkerCount = 8
)

// ScheduleDefinition is embedded in a TestSuite. It is always replaced
// wholesale; callers never patch individual fields.
type ScheduleDefinition struct {
	CronExpression string `json:"cronExpression"`
	Enabled        bool   `json:"enabled"`
	// EnvironmentRef is an environment id, key or name, resolved at fire time.
	EnvironmentRef string `json:"environmentRef,omitempty"`
	// Headless is nil when unset (defaults to true).
	Headless    *bool `json:"headless,omitempty"`
	WorkerCount int   `json:"workerCount,omitempty"`
}

// EffectiveHeadless returns the headless flag with the default applied.
func (d ScheduleDefinition) EffectiveHeadless() bool {
	if d.Headless == nil {
		return true
	}
	return *d.Headless
}

// EffectiveWorkers returns the worker count with the default applied.
func (d ScheduleDefinition) EffectiveWorkers() int {
	if d.WorkerCount <= 0 {
		return DefaultWorkerCount
	}
	return d.WorkerCount
}

// Clone returns a deep copy so stored records never alias caller memory.
func (d *ScheduleDefinition) Clone() *ScheduleDefinition {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Headless != nil {
		h := *d.Headless
		cp.Headless = &h
	}
	return &cp
}

type TestSuite struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	TestCases []string            `json:"testCases"`
	Schedule  *ScheduleDefinition `json:"schedule,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Scheduled reports whether the suite carries an enabled schedule.
func (s TestSuite) Scheduled() bool {
	return s.Schedule != nil && s.Schedule.Enabled
}

func (s TestSuite) Clone() TestSuite {
	cp := s
	cp.TestCases = append([]string(nil), s.TestCases...)
	cp.Schedule = s.Schedule.Clone()
	return cp
}

// FindSuite returns the index of id in suites, or -1.
func FindSuite(suites []TestSuite, id string) int {
	for i := range suites {
		if suites[i].ID == id {
			return i
		}
	}
	return -1
}

type Environment struct {
	ID string `json:"id"`
	// Key is a stable alias for the id (e.g. "staging").
	Key       string            `json:"key,omitempty"`
	Name      string            `json:"name"`
	BaseURL   string            `json:"baseUrl,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ResolveEnvironment finds ref by id, then by key, then by name (case-insensitive).
// It returns nil when ref is empty or matches nothing.
func ResolveEnvironment(envs []Environment, ref string) *Environment {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	for i := range envs {
		if envs[i].ID == ref {
			e := envs[i]
			return &e
		}
	}
	for i := range envs {
		if envs[i].Key != "" && envs[i].Key == ref {
			e := envs[i]
			return &e
		}
	}
	for i := range envs {
		if strings.EqualFold(strings.TrimSpace(envs[i].Name), ref) {
			e := envs[i]
			return &e
		}
	}
	return nil
}

// Execution statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Trigger kinds recorded on executions.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Execution is one persisted run of a suite.
type Execution struct {
	ID          string    `json:"id"`
	SuiteID     string    `json:"suiteId"`
	SuiteName   string    `json:"suiteName"`
	Status      string    `json:"status"`
	Trigger     string    `json:"trigger"`
	Environment string    `json:"environment"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
}
