// Package retry runs operations with exponential backoff and jitter.
//
// It is used for compensating actions and background re-drives, where a
// transient database or provider failure should not abandon the work.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy controls how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means uncapped

	// Retryable reports whether an error is worth another attempt.
	// Nil treats every non-permanent error as retryable.
	Retryable func(error) bool
}

// DefaultPolicy is used for ledger compensations: a handful of quick
// attempts capped at two seconds between tries.
var DefaultPolicy = Policy{
	MaxAttempts: 4,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

// Do runs fn under the policy.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		// Don't sleep after the last attempt.
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

// jittered returns d adjusted by up to +-25%.
func jittered(d time.Duration) time.Duration {
	jitter := int64(d / 4)
	if jitter <= 0 {
		return d
	}
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}
