package retryable

import (
	"context"
	"errors"
	"time"
)

// Error marks operation failures that may succeed when repeated.
// Params: wrapped root cause.
// Returns: typed retryable error marker.
type Error struct {
	Err error
}

func (e Error) Error() string {
	if e.Err == nil {
		return "retryable error"
	}
	return e.Err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// Retryable marks error as transient.
func (Error) Retryable() bool {
	return true
}

// Mark wraps error with retryable marker.
// Params: source error.
// Returns: wrapped error or nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	if Is(err) {
		return err
	}
	return Error{Err: err}
}

// Is reports whether error chain carries the retryable marker.
func Is(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Retryable() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Retryable()
}

// Policy configures Do.
// Params: attempt cap, initial/max delay, and exponential flag.
// Returns: retry schedule.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Exponential bool
	// OnRetry is called before sleeping; attempt is 1-based index of the failed try.
	OnRetry func(attempt int, err error)
}

// Delay returns backoff before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.Initial
	if p.Exponential {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if p.Max > 0 && delay >= p.Max {
				return p.Max
			}
		}
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts run out, or ctx ends.
// Params: context, policy, and operation.
// Returns: last operation error or context error.
func Do(ctx context.Context, policy Policy, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !Is(err) || attempt == attempts {
			return err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
