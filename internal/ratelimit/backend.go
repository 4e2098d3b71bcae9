// Package ratelimit guards external provider calls with a per-provider
// concurrency ceiling, request pacing and a shared backoff window.
package ratelimit

import (
	"context"
	"time"

	"github.com/sells-group/buyer-fit/internal/model"
)

// Slot is a held concurrency slot. Gen ties the slot to the counter
// generation it was taken from; a release against a newer generation (after
// a stale reset) is ignored.
type Slot struct {
	Provider string
	Gen      int64
}

// Backend stores the per-provider counters. The memory backend serves one
// process; the Redis backend coordinates every worker process.
type Backend interface {
	// Acquire takes a slot if fewer than max are held. It never blocks.
	Acquire(ctx context.Context, provider string, max int) (Slot, bool, error)
	// Release returns a slot taken by Acquire.
	Release(ctx context.Context, slot Slot) error
	// SetBackoff extends the provider's backoff window to until. An earlier
	// until than the current window is a no-op.
	SetBackoff(ctx context.Context, provider string, until time.Time) error
	// State reports the provider's counters.
	State(ctx context.Context, provider string) (model.RateLimitState, error)
	// ResetStale zeroes counters that have been non-zero longer than
	// threshold and returns how many providers were reset.
	ResetStale(ctx context.Context, threshold time.Duration) (int, error)
}
