package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrNameRequired    = errors.New("job name required")
	ErrNilRunnable     = errors.New("job runnable required")
	ErrStopped         = errors.New("scheduler stopped")
	ErrJobPanic        = errors.New("job panicked")
	ErrScheduleDone    = errors.New("schedule exhausted")
)

// NoRetry marks an error as non-retryable.
//
// Jobs can wrap validation errors or other permanent failures with NoRetry so
// the scheduler moves them straight to Failed:
//
//	return nil, scheduler.NoRetry(fmt.Errorf("bad input: %w", err))
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

// RetryAfter attaches an explicit retry delay to err. The scheduler uses it
// instead of the linear backoff; the retry still counts against MaxRetries.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

func retryHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
