// Package retry implements the bounded exponential backoff the pipeline
// applies to TRANSIENT errors (network, 5xx, timeout): up to 3 attempts,
// delay capped at 15s.
package retry

import (
	"context"
	"time"

	"github.com/openmates/orchestrator-core/internal/pipelineerr"
)

// Policy controls attempt count and backoff shape.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is spec.md §7's TRANSIENT policy: retry with exponential backoff,
// max 3 attempts, capped at 15s.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    15 * time.Second,
}

// Do runs fn, retrying while it returns a TRANSIENT pipelineerr and attempts
// remain. Non-transient errors return immediately. Respects ctx cancellation
// between attempts.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !pipelineerr.Retryable(err) || attempt == policy.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return lastErr
}
