package execution

import (
	"time"

	"aitester/internal/suite"
)

// Config controls the execution service.
type Config struct {
	// MaxConcurrent bounds executions running at once across all suites.
	MaxConcurrent int
	// Timeout bounds a single attempt. 0 disables it.
	Timeout time.Duration

	// RetryMax is the number of retries after a runner infrastructure error.
	// A run that completes with failing tests is never retried.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	HistorySize int

	// Browser is used when the run config names none.
	Browser string
	// DefaultEnvironment names runs that resolved no environment.
	DefaultEnvironment string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.Browser == "" {
		c.Browser = "chromium"
	}
	if c.DefaultEnvironment == "" {
		c.DefaultEnvironment = "default"
	}
	return c
}

const ModeSequential = "sequential"

// RunConfig is the per-run configuration handed over by the caller.
type RunConfig struct {
	Mode     string   `json:"mode"`
	Workers  int      `json:"workers"`
	Headless bool     `json:"headless"`
	Browsers []string `json:"browsers"`
	Tags     []string `json:"tags"`
	Parallel bool     `json:"parallel"`
	// Trigger is suite.TriggerSchedule or suite.TriggerManual.
	Trigger string `json:"trigger"`
}

// Result is returned for every run that reached the runner. Status is
// suite.StatusPassed, suite.StatusFailed or suite.StatusError.
type Result struct {
	ExecutionID string        `json:"executionId"`
	Status      string        `json:"status"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
}

// Job is what a Runner receives for one attempt.
type Job struct {
	ExecutionID string
	Attempt     int
	Suite       suite.TestSuite
	Config      RunConfig
	// Environment is nil when none was resolved; EnvName is always set.
	Environment *suite.Environment
	EnvName     string
	Browser     string
}

// Outcome is a completed run. Failing tests are an outcome, not an error.
type Outcome struct {
	Status   string
	ExitCode int
	Output   string
}

// Event is published on the event bus for execution lifecycle events.
type Event struct {
	ExecutionID string        `json:"execution_id"`
	SuiteID     string        `json:"suite_id"`
	SuiteName   string        `json:"suite_name"`
	Status      string        `json:"status,omitempty"`
	Trigger     string        `json:"trigger"`
	Environment string        `json:"environment"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	MaxConcurrent    int               `json:"max_concurrent"`
	InFlight         int               `json:"in_flight"`
	WaitingForPermit int               `json:"waiting_for_permit"`
	Running          []string          `json:"running"`
	Timeout          time.Duration     `json:"timeout"`
	RetryMax         int               `json:"retry_max"`
	History          []suite.Execution `json:"history"`
}
