package cache

import (
	"context"
	"errors"
	"time"
)

// RetryableError marks a failure worth another attempt, such as a transport
// error or a 5xx answer of the resolution server.
type RetryableError struct{ Err error }

// Retryable wraps err as a RetryableError. Retryable(nil) is nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Backoff retries an operation with exponentially growing delays.
type Backoff struct {
	// Attempts is the total number of calls, first one included.
	Attempts int
	// Delay before the second attempt; doubled after each failure.
	Delay time.Duration
}

// DefaultBackoff makes three attempts, one and two seconds apart.
var DefaultBackoff = Backoff{Attempts: 3, Delay: time.Second}

// Retry calls fn until it succeeds, fails with an error that is not
// retryable, or the attempts are exhausted. The last error is returned.
func (b Backoff) Retry(ctx context.Context, fn func() error) error {
	attempts := max(1, b.Attempts)
	delay := b.Delay
	var err error
	for i := range attempts {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
	return err
}
