package schedule

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNotFound        = errors.New("test suite not found")
	ErrStoreIO         = errors.New("schedule store failure")
	ErrDispatch        = errors.New("dispatch failed")
	ErrStopped         = errors.New("schedule engine stopped")
)

// InvalidScheduleError rejects a definition before any state is touched.
type InvalidScheduleError struct {
	Expr   string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Expr, e.Reason)
}

func (e *InvalidScheduleError) Is(target error) bool { return target == ErrInvalidSchedule }

type NotFoundError struct {
	SuiteID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("test suite %s not found", e.SuiteID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StoreIOError wraps a persistence failure with the operation that hit it.
type StoreIOError struct {
	Op  string
	Err error
}

func (e *StoreIOError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreIOError) Unwrap() error { return e.Err }

func (e *StoreIOError) Is(target error) bool { return target == ErrStoreIO }

// DispatchError is logged at fire time and never returned to the trigger.
type DispatchError struct {
	SuiteID string
	Err     error
}

func (e *DispatchError) Error() string { return fmt.Sprintf("dispatch %s: %v", e.SuiteID, e.Err) }

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }
