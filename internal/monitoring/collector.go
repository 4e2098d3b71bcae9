// Package monitoring watches the scoring queue and batch jobs and posts
// threshold alerts to a webhook.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/metrics"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/store"
)

// recentFailureLimit bounds the failed items carried in a snapshot.
const recentFailureLimit = 20

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Queue depth by status.
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	// NewFailures counts terminal failures since the previous collection.
	NewFailures    int               `json:"new_failures"`
	RecentFailures []model.QueueItem `json:"recent_failures,omitempty"`

	// TrippedJobs are failed jobs with an open circuit breaker not reported
	// by an earlier collection.
	TrippedJobs []model.EnrichmentJob `json:"tripped_jobs,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Source is the read access the collector needs.
type Source interface {
	QueueStats(ctx context.Context) (model.QueueStats, error)
	ListFailedItems(ctx context.Context, limit int) ([]model.QueueItem, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.EnrichmentJob, error)
}

// Collector gathers queue and job health. It remembers what it has already
// reported so repeated collections only surface new problems.
type Collector struct {
	src Source

	mu          sync.Mutex
	lastFailed  int
	seenTripped map[string]bool
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, lastFailed: -1, seenTripped: make(map[string]bool)}
}

// Collect gathers a snapshot and updates the queue depth gauges. The first
// collection treats every existing failure as new.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	stats, err := c.src.QueueStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}

	snap := &MetricsSnapshot{
		Pending:     stats[model.QueueStatusPending],
		Processing:  stats[model.QueueStatusProcessing],
		Completed:   stats[model.QueueStatusCompleted],
		Failed:      stats[model.QueueStatusFailed],
		CollectedAt: time.Now().UTC(),
	}
	for _, st := range []model.QueueStatus{
		model.QueueStatusPending, model.QueueStatusProcessing,
		model.QueueStatusCompleted, model.QueueStatusFailed,
	} {
		metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(stats[st]))
	}

	jobs, err := c.src.ListJobs(ctx, store.JobFilter{Status: model.JobStatusFailed, Limit: 100})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failed jobs")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Failed rows only leave the table when retried by hand, so a drop
	// resets the baseline.
	switch {
	case c.lastFailed < 0:
		snap.NewFailures = snap.Failed
	case snap.Failed > c.lastFailed:
		snap.NewFailures = snap.Failed - c.lastFailed
	}
	c.lastFailed = snap.Failed

	if snap.NewFailures > 0 {
		items, err := c.src.ListFailedItems(ctx, min(snap.NewFailures, recentFailureLimit))
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list failed items")
		}
		snap.RecentFailures = items
	}

	for _, j := range jobs {
		if !j.CircuitBreakerTripped || c.seenTripped[j.ID] {
			continue
		}
		c.seenTripped[j.ID] = true
		snap.TrippedJobs = append(snap.TrippedJobs, j)
	}

	return snap, nil
}
