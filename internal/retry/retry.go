// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep skips the delay but still observes cancellation. Tests use it.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Policy describes how many times to try and how long to wait in between.
// The n-th wait is Base * 2^(n-1).
type Policy struct {
	Attempts int
	Base     time.Duration
	Sleep    SleepFunc
}

// Delay returns the wait that follows the given 1-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Base * time.Duration(1<<uint(attempt-1))
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, or the attempts
// run out. It reports how many attempts were made and the last error.
// Cancellation is checked between attempts.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if sleepErr := sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return attempt, sleepErr
		}
	}
	return attempts, lastErr
}

// Do is a shorthand for Policy{Attempts: attempts, Base: base}.Do.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	_, err := Policy{Attempts: attempts, Base: base}.Do(ctx, func(int) error { return fn() })
	return err
}
