package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("engine stopped")
	ErrStopping    = errors.New("engine stopping")
	ErrQueueFull   = errors.New("engine queue full")
	ErrOverlapSkip = errors.New("task skipped: already queued or running")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
	ErrStale       = errors.New("task dropped: waited too long in queue")
	ErrCancelled   = errors.New("task cancelled")
)

// NoRetry marks an error as non-retryable.
//
//	return engine.NoRetry(fmt.Errorf("bad action: %w", err))
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
