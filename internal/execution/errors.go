package execution

import (
	"errors"
	"fmt"
)

var (
	ErrStopped = errors.New("execution service stopped")
	// ErrAlreadyRunning rejects a run for a suite that is still in flight.
	ErrAlreadyRunning = errors.New("suite execution already running")
)

// NoRetry marks a runner error as permanent.
//
//	return execution.NoRetry(fmt.Errorf("command not configured"))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
