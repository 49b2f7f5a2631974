// Package retry runs external calls under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransient marks a failure as retryable (network, 429, 5xx class).
var ErrTransient = errors.New("transient service error")

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 4 * time.Second
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// Transient wraps err so that IsTransient reports true for it
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes how many times and how long to wait between attempts.
// The zero value is usable and behaves like Default().
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable decides whether a failed attempt is retried. Defaults to IsTransient.
	Retryable func(error) bool

	// Sleep defaults to a timer bound to the context.
	Sleep SleepFunc

	// OnRetry is called before each wait, with the 1-based attempt that failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns 3 attempts with 1s base delay capped at 4s
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Do runs fn until it succeeds, fails permanently, or attempts are exhausted.
// The last error is returned wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for calls that return a value
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	attempts := p.maxAttempts()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
