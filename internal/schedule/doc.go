// Package schedule keeps the live cron triggers in line with the schedule
// definitions persisted on test suites, and dispatches a run when one fires.
//
// # Registry
//
// The Engine owns a map from suite id to one live Trigger. Mutating calls
// (ScheduleTestSuite, UnscheduleTestSuite, UpdateSchedule, DeleteSchedule)
// are serialized per suite id, so two concurrent updates for the same suite
// never interleave their store read, store write and registration. A new
// definition is validated before the previous trigger is stopped; an invalid
// cron expression leaves both the store and the live trigger untouched.
//
// LoadSchedules reconciles the registry against the store at startup. A
// store read failure is returned; a single suite that fails to register is
// logged and skipped.
//
// # Fire
//
// Triggers are bound to a suite id only. Each fire re-reads the suite and
// resolves its environment from the store, then calls the Dispatcher and
// waits for the result. Failures and panics stop at the fire handler: they
// are logged, counted and published, and the trigger keeps firing. Overlap
// between fires of the same suite is left to the Dispatcher.
//
// All triggers evaluate in UTC.
package schedule
