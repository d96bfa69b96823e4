package llm

import (
	"context"

	"github.com/gridwire/agentmesh/internal/backoff"
)

// MaxTransientAttempts bounds the total attempts (first call included) on
// 5xx-style transient failures; 4xx-style failures must be surfaced immediately by
// the provider instead of being retried here.
const MaxTransientAttempts = 3

// TransientError marks a Complete failure as worth retrying (e.g. a 5xx
// response). Providers wrap their own errors in this to opt into
// WithRetry's bounded retry; 4xx-style failures should not be wrapped
// and are returned to the caller on the first attempt.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// WithRetry wraps a Provider so that completions failing with a
// *TransientError are retried with exponential backoff, for at most
// MaxTransientAttempts calls in total; any other error is returned on the
// first attempt.
func WithRetry(p Provider) Provider {
	return &retryingProvider{inner: p}
}

type retryingProvider struct {
	inner Provider
}

func (r *retryingProvider) Name() string { return r.inner.Name() }

func (r *retryingProvider) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}

func (r *retryingProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	policy := backoff.LLMRetryPolicy()
	var lastErr error

	for attempt := 1; attempt <= MaxTransientAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		completion, err := r.inner.Complete(ctx, req)
		if err == nil {
			return completion, nil
		}

		var transient *TransientError
		if !asTransient(err, &transient) {
			return nil, err // 4xx-style: surface immediately, no retry
		}

		lastErr = transient.Cause
		if attempt < MaxTransientAttempts {
			if sleepErr := backoff.Sleep(ctx, policy, attempt); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	return nil, lastErr
}

func asTransient(err error, target **TransientError) bool {
	te, ok := err.(*TransientError)
	if ok {
		*target = te
	}
	return ok
}
