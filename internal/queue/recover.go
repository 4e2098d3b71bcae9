package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/metrics"
	"github.com/sells-group/buyer-fit/internal/model"
)

// DefaultStaleThreshold is how long an item may stay processing before
// recovery reclaims it.
const DefaultStaleThreshold = 2 * time.Minute

// RecoveryStore is the persistence stale recovery needs.
type RecoveryStore interface {
	RecoverStaleItems(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error)
	FailStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
}

// CounterResetter clears provider concurrency counters held longer than a
// threshold. Implemented by the rate limiter.
type CounterResetter interface {
	ResetStale(ctx context.Context, threshold time.Duration) (int, error)
}

// Recoverer returns abandoned work to a runnable state. It only ever moves
// items from processing to pending, so it is safe alongside live workers.
type Recoverer struct {
	store       RecoveryStore
	counters    CounterResetter
	maxAttempts int
	now         func() time.Time
}

// NewRecoverer creates a Recoverer. counters may be nil.
func NewRecoverer(s RecoveryStore, counters CounterResetter, maxAttempts int) *Recoverer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Recoverer{store: s, counters: counters, maxAttempts: maxAttempts, now: time.Now}
}

// RecoverStale resets processing items claimed before now-threshold, fails
// running jobs that made no progress in that window and clears stale
// provider counters. Running it twice in a row is a no-op the second time.
func (r *Recoverer) RecoverStale(ctx context.Context, threshold time.Duration) (model.RecoveryReport, error) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	cutoff := r.now().Add(-threshold)
	var rep model.RecoveryReport

	n, err := r.store.RecoverStaleItems(ctx, cutoff, r.maxAttempts)
	if err != nil {
		return rep, eris.Wrap(err, "queue: recover stale items")
	}
	rep.ScoringQueue = n

	n, err = r.store.FailStaleJobs(ctx, cutoff)
	if err != nil {
		return rep, eris.Wrap(err, "queue: fail stale jobs")
	}
	rep.EnrichmentJobs = n

	if r.counters != nil {
		n, err = r.counters.ResetStale(ctx, threshold)
		if err != nil {
			return rep, eris.Wrap(err, "queue: reset stale rate-limit counters")
		}
		rep.RateLimitCounters = n
	}

	metrics.StaleRecovered.WithLabelValues("scoring_queue").Add(float64(rep.ScoringQueue))
	metrics.StaleRecovered.WithLabelValues("enrichment_jobs").Add(float64(rep.EnrichmentJobs))
	metrics.StaleRecovered.WithLabelValues("rate_limit_counters").Add(float64(rep.RateLimitCounters))

	if rep != (model.RecoveryReport{}) {
		zap.L().Warn("queue: recovered stale work",
			zap.Int("scoring_queue", rep.ScoringQueue),
			zap.Int("enrichment_jobs", rep.EnrichmentJobs),
			zap.Int("rate_limit_counters", rep.RateLimitCounters),
			zap.Duration("threshold", threshold),
		)
	}
	return rep, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged
// and the loop continues.
func (r *Recoverer) Run(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RecoverStale(ctx, threshold); err != nil && ctx.Err() == nil {
				zap.L().Error("queue: stale recovery sweep failed", zap.Error(err))
			}
		}
	}
}
