package backoff

import (
	"context"
	"errors"
)

// ErrAttemptsExhausted is returned when all bounded retry attempts failed.
var ErrAttemptsExhausted = errors.New("backoff: retry attempts exhausted")

// RetryResult holds the outcome of a bounded retry.
type RetryResult[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// RetryWithBackoff calls fn up to maxAttempts times, sleeping under policy
// between attempts. Context cancellation is checked before every attempt.
func RetryWithBackoff[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (RetryResult[T], error) {
	var result RetryResult[T]

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}
		result.LastError = err

		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrAttemptsExhausted
}

// RetryUnbounded calls fn repeatedly under policy until it succeeds or the
// context is cancelled. Used for MQTT reconnection, which never gives up.
func RetryUnbounded(ctx context.Context, policy Policy, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(attempt); err == nil {
			return nil
		}
		if err := Sleep(ctx, policy, attempt); err != nil {
			return err
		}
	}
}
