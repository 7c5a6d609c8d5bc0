package reliability

import (
	"context"
	"time"
)

// RetryPolicy decides whether a failed attempt is retried and after how long.
type RetryPolicy interface {
	// ShouldRetry is called after attempt (zero based) failed with err.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the total number of attempts allowed.
	MaxAttempts() int
}

// FixedDelay retries up to Attempts times in total, waiting Delay between
// attempts. Only errors accepted by Retryable are retried; a nil Retryable
// retries errors that do not report themselves as permanent.
type FixedDelay struct {
	Delay     time.Duration
	Attempts  int
	Retryable func(error) bool
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, attempts int, retryable func(error) bool) *FixedDelay {
	return &FixedDelay{
		Delay:     delay,
		Attempts:  attempts,
		Retryable: retryable,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt+1 >= f.Attempts {
		return false, 0
	}

	if f.Retryable != nil {
		if !f.Retryable(err) {
			return false, 0
		}
	} else if !isRetryableError(err) {
		return false, 0
	}

	return true, f.Delay
}

// MaxAttempts implements RetryPolicy
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// Retry runs fn until it succeeds or policy gives up, returning the last
// error. Cancelling ctx stops the loop with ctx.Err().
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// isRetryableError reports false for errors that declare themselves permanent.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return true
}
