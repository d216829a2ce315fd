package schedule

import (
	"context"
	"time"

	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

// LoadSchedules reconciles the live triggers against the store: every suite
// with an enabled schedule gets a trigger, everything else loses its trigger.
// A store read failure is returned; a failing suite is logged and skipped.
// It is meant for startup: the register pass works from one snapshot, so a
// schedule disabled concurrently may be registered until its next write.
func (e *Engine) LoadSchedules(ctx context.Context) (int, error) {
	suites, err := e.store.ListTestSuites(ctx)
	if err != nil {
		return 0, &StoreIOError{Op: "list test suites", Err: err}
	}

	want := make(map[string]struct{}, len(suites))
	registered, failed := 0, 0
	for _, ts := range suites {
		if !ts.Scheduled() {
			continue
		}
		want[ts.ID] = struct{}{}
		unlock := e.lockSuite(ts.ID)
		err := e.register(ts.ID, *ts.Schedule)
		unlock()
		if err != nil {
			failed++
			e.log.Warn("schedule registration failed", logx.String("suite_id", ts.ID), logx.String("cron", ts.Schedule.CronExpression), logx.Err(err))
			continue
		}
		registered++
	}

	e.mu.Lock()
	var stale []string
	for id := range e.live {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	e.mu.Unlock()
	removed := 0
	for _, id := range stale {
		unlock := e.lockSuite(id)
		// The snapshot may predate a concurrent schedule write.
		if ts, err := e.getSuite(ctx, id); err == nil && ts.Scheduled() {
			unlock()
			continue
		}
		if e.unschedule(id) {
			removed++
		}
		unlock()
	}

	e.log.Info("schedules loaded",
		logx.Int("suites", len(suites)),
		logx.Int("registered", registered),
		logx.Int("failed", failed),
		logx.Int("removed", removed),
	)
	return registered, nil
}

// ScheduleTestSuite makes def the suite's schedule: it replaces the stored
// definition wholesale, then registers the live trigger. Validation failures
// are returned to the caller and leave both untouched. A disabled def is
// stored and the live trigger removed.
func (e *Engine) ScheduleTestSuite(ctx context.Context, suiteID string, def suite.ScheduleDefinition) error {
	if err := e.check(def); err != nil {
		return err
	}

	unlock := e.lockSuite(suiteID)
	defer unlock()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if err := e.storeSchedule(ctx, suiteID, def); err != nil {
		return err
	}
	if !def.Enabled {
		e.unschedule(suiteID)
		return nil
	}
	return e.register(suiteID, def)
}

// UnscheduleTestSuite stops the live trigger, if any. It reports whether one
// was removed; the persisted definition is left alone.
func (e *Engine) UnscheduleTestSuite(suiteID string) bool {
	unlock := e.lockSuite(suiteID)
	defer unlock()
	return e.unschedule(suiteID)
}

// UpdateSchedule replaces the suite's schedule in the store, then brings the
// live trigger in line with it. The store write is not rolled back when
// registration fails; LoadSchedules reconciles on the next start.
func (e *Engine) UpdateSchedule(ctx context.Context, suiteID string, def suite.ScheduleDefinition) error {
	if err := e.check(def); err != nil {
		return err
	}

	unlock := e.lockSuite(suiteID)
	defer unlock()

	if err := e.storeSchedule(ctx, suiteID, def); err != nil {
		return err
	}

	if def.Enabled {
		return e.register(suiteID, def)
	}
	e.unschedule(suiteID)
	return nil
}

// DeleteSchedule removes the schedule from the suite record and stops its
// live trigger. Deleting an absent schedule succeeds.
func (e *Engine) DeleteSchedule(ctx context.Context, suiteID string) error {
	unlock := e.lockSuite(suiteID)
	defer unlock()

	err := e.mutateSuite(ctx, suiteID, func(ts *suite.TestSuite) bool {
		if ts.Schedule == nil {
			return false
		}
		ts.Schedule = nil
		ts.UpdatedAt = time.Now().UTC()
		return true
	})
	// A stale trigger for a vanished suite is dropped as well.
	e.unschedule(suiteID)
	return err
}

// CreateTestSuite persists a new suite and registers its schedule when it
// carries an enabled one.
func (e *Engine) CreateTestSuite(ctx context.Context, ts suite.TestSuite) (suite.TestSuite, error) {
	if ts.Schedule != nil {
		if err := e.check(*ts.Schedule); err != nil {
			return suite.TestSuite{}, err
		}
	}

	e.storeMu.Lock()
	created, err := e.store.CreateTestSuite(ctx, ts)
	e.storeMu.Unlock()
	if err != nil {
		return suite.TestSuite{}, &StoreIOError{Op: "create test suite", Err: err}
	}

	if created.Scheduled() {
		unlock := e.lockSuite(created.ID)
		err = e.register(created.ID, *created.Schedule)
		unlock()
	}
	return created, err
}

// TriggerNow runs the fire handler once, asynchronously, as a manual run.
func (e *Engine) TriggerNow(ctx context.Context, suiteID string) error {
	if _, err := e.getSuite(ctx, suiteID); err != nil {
		return err
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.manual.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.manual.Done()
		e.dispatch(suiteID, suite.TriggerManual)
	}()
	return nil
}

func (e *Engine) getSuite(ctx context.Context, suiteID string) (suite.TestSuite, error) {
	suites, err := e.store.ListTestSuites(ctx)
	if err != nil {
		return suite.TestSuite{}, &StoreIOError{Op: "list test suites", Err: err}
	}
	idx := suite.FindSuite(suites, suiteID)
	if idx < 0 {
		return suite.TestSuite{}, &NotFoundError{SuiteID: suiteID}
	}
	return suites[idx], nil
}

// storeSchedule replaces the persisted definition of suiteID with def.
// Callers hold the suite lock.
func (e *Engine) storeSchedule(ctx context.Context, suiteID string, def suite.ScheduleDefinition) error {
	return e.mutateSuite(ctx, suiteID, func(ts *suite.TestSuite) bool {
		ts.Schedule = def.Clone()
		ts.UpdatedAt = time.Now().UTC()
		return true
	})
}

// mutateSuite runs a read-modify-write of the suite collection. fn reports
// whether it changed the record; unchanged records are not written back.
func (e *Engine) mutateSuite(ctx context.Context, suiteID string, fn func(ts *suite.TestSuite) bool) error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	suites, err := e.store.ListTestSuites(ctx)
	if err != nil {
		return &StoreIOError{Op: "list test suites", Err: err}
	}
	idx := suite.FindSuite(suites, suiteID)
	if idx < 0 {
		return &NotFoundError{SuiteID: suiteID}
	}
	if !fn(&suites[idx]) {
		return nil
	}
	if err := e.store.ReplaceTestSuites(ctx, suites); err != nil {
		return &StoreIOError{Op: "replace test suites", Err: err}
	}
	return nil
}
