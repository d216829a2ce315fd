package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"aitester/internal/eventbus"
	"aitester/internal/execution"
	"aitester/internal/metrics"
	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

const dispatchWarnThrottle = 5 * time.Second

// FireEvent is published for schedule.fired and schedule.dispatch_failed.
type FireEvent struct {
	SuiteID     string `json:"suite_id"`
	SuiteName   string `json:"suite_name,omitempty"`
	Trigger     string `json:"trigger"`
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// fire is bound to a trigger by suite id only.
func (e *Engine) fire(suiteID string) {
	e.dispatch(suiteID, suite.TriggerSchedule)
}

// dispatch re-reads the suite and its environment, then runs it. Nothing
// escapes: errors and panics end here and the trigger stays registered.
func (e *Engine) dispatch(suiteID, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("fire handler panicked", logx.String("suite_id", suiteID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			e.reportDispatchError(FireEvent{SuiteID: suiteID, Trigger: trigger}, &DispatchError{SuiteID: suiteID, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	ctx, cancel, cfg := e.fireContext()
	defer cancel()

	suites, err := e.store.ListTestSuites(ctx)
	if err != nil {
		e.reportDispatchError(FireEvent{SuiteID: suiteID, Trigger: trigger}, &DispatchError{SuiteID: suiteID, Err: &StoreIOError{Op: "list test suites", Err: err}})
		return
	}
	idx := suite.FindSuite(suites, suiteID)
	if idx < 0 {
		// Deleted between the tick and trigger cleanup.
		e.metrics.Fire(metrics.FireMissing)
		e.log.Info("fire skipped: suite no longer exists", logx.String("suite_id", suiteID))
		return
	}
	ts := suites[idx]

	var def suite.ScheduleDefinition
	if ts.Schedule != nil {
		def = *ts.Schedule
	}
	if trigger == suite.TriggerSchedule && !ts.Scheduled() {
		e.metrics.Fire(metrics.FireSkipped)
		e.log.Debug("fire skipped: schedule disabled or removed", logx.String("suite_id", suiteID))
		return
	}

	env := e.resolveEnvironment(ctx, suiteID, def.EnvironmentRef)
	rc := execution.RunConfig{
		Mode:     execution.ModeSequential,
		Workers:  def.EffectiveWorkers(),
		Headless: def.EffectiveHeadless(),
		Browsers: []string{cfg.Browser},
		Tags:     []string{},
		Parallel: false,
		Trigger:  trigger,
	}

	ev := FireEvent{SuiteID: suiteID, SuiteName: ts.Name, Trigger: trigger}
	eventbus.Publish(e.bus, eventbus.ScheduleFired, ev)

	res, err := e.dispatcher.Execute(ctx, ts, rc, env)
	ev.ExecutionID = res.ExecutionID
	ev.Status = res.Status
	if err != nil {
		if errors.Is(err, execution.ErrAlreadyRunning) {
			e.metrics.Fire(metrics.FireSkipped)
			e.log.Debug("fire skipped: previous run still in flight", logx.String("suite_id", suiteID))
			return
		}
		e.reportDispatchError(ev, &DispatchError{SuiteID: suiteID, Err: err})
		return
	}

	e.metrics.Fire(metrics.FireDispatched)
	e.log.Info("suite run finished",
		logx.String("suite_id", suiteID),
		logx.String("trigger", trigger),
		logx.String("execution_id", res.ExecutionID),
		logx.String("status", res.Status),
	)
}

// resolveEnvironment returns nil when the reference is empty, unknown, or
// the environments cannot be read; the dispatcher then uses its default.
func (e *Engine) resolveEnvironment(ctx context.Context, suiteID, ref string) *suite.Environment {
	if ref == "" {
		return nil
	}
	envs, err := e.store.ListEnvironments(ctx)
	if err != nil {
		e.log.Warn("environment lookup failed; using default", logx.String("suite_id", suiteID), logx.String("env_ref", ref), logx.Err(err))
		return nil
	}
	env := suite.ResolveEnvironment(envs, ref)
	if env == nil {
		e.log.Warn("environment not found; using default", logx.String("suite_id", suiteID), logx.String("env_ref", ref))
	}
	return env
}

// fireContext derives the dispatch context and snapshots the config the
// fire runs with.
func (e *Engine) fireContext() (context.Context, context.CancelFunc, Config) {
	e.mu.Lock()
	base := e.runCtx
	cfg := e.cfg
	e.mu.Unlock()
	if cfg.FireTimeout > 0 {
		ctx, cancel := context.WithTimeout(base, cfg.FireTimeout)
		return ctx, cancel, cfg
	}
	ctx, cancel := context.WithCancel(base)
	return ctx, cancel, cfg
}

// reportDispatchError counts and publishes every failure; the log line is
// throttled per suite.
func (e *Engine) reportDispatchError(ev FireEvent, err error) {
	e.metrics.Fire(metrics.FireFailed)
	ev.Error = err.Error()
	eventbus.Publish(e.bus, eventbus.ScheduleDispatchFailed, ev)

	now := time.Now()
	e.warnMu.Lock()
	last := e.lastWarn[ev.SuiteID]
	if !last.IsZero() && now.Sub(last) < dispatchWarnThrottle {
		e.warnMu.Unlock()
		return
	}
	e.lastWarn[ev.SuiteID] = now
	e.warnMu.Unlock()

	e.log.Warn("suite run failed", logx.String("suite_id", ev.SuiteID), logx.String("trigger", ev.Trigger), logx.String("execution_id", ev.ExecutionID), logx.Err(err))
}
