package toolregistry

import (
	"context"
	"sync"
	"time"
)

// DispatchConfig bounds a single LLM turn's concurrent tool execution.
type DispatchConfig struct {
	// PerToolTimeout bounds each individual call.
	PerToolTimeout time.Duration
	// SharedDeadline is the minimum of the per-tool timeout and the
	// remaining task budget; every call in the turn shares it.
	SharedDeadline time.Duration
}

// ExecuteConcurrently runs every call in the turn in parallel under one
// shared deadline. A fatal error from one call does not cancel its
// siblings -- their results are still collected and reported, per §4.9's
// tie-break policy.
func (r *Registry) ExecuteConcurrently(ctx context.Context, calls []Call, cfg DispatchConfig) []CallResult {
	deadline := cfg.PerToolTimeout
	if cfg.SharedDeadline > 0 && cfg.SharedDeadline < deadline {
		deadline = cfg.SharedDeadline
	}
	if deadline <= 0 {
		deadline = DefaultPerToolTimeout * time.Second
	}

	results := make([]CallResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c Call) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()
			results[idx] = r.Execute(callCtx, c)
		}(i, call)
	}

	wg.Wait()
	return results
}
