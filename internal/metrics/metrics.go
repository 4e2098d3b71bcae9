// Package metrics registers the Prometheus collectors for the scoring
// pipeline on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buyerfit_queue_items_processed_total",
			Help: "Queue items resolved by workers, by score type and outcome",
		},
		[]string{"score_type", "outcome"},
	)

	QueueItemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buyerfit_queue_items_enqueued_total",
			Help: "Queue items inserted, by trigger type",
		},
		[]string{"trigger_type"},
	)

	ScoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buyerfit_score_duration_seconds",
			Help:    "Duration of one claim-to-resolve scoring cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"score_type"},
	)

	ScoreTiers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buyerfit_scores_by_tier_total",
			Help: "Scores recorded, by tier",
		},
		[]string{"tier"},
	)

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buyerfit_workers_active",
			Help: "Workers currently processing an item",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buyerfit_queue_depth",
			Help: "Queue items by status at the last collection",
		},
		[]string{"status"},
	)

	StaleRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buyerfit_stale_recovered_total",
			Help: "Rows reset by stale recovery, by queue",
		},
		[]string{"queue"},
	)

	LearnerRecalculations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buyerfit_learner_recalculations_total",
			Help: "Weight multiplier recalculations",
		},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buyerfit_provider_requests_total",
			Help: "Rate-limited provider calls, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buyerfit_provider_in_flight",
			Help: "Provider calls currently holding a concurrency slot",
		},
		[]string{"provider"},
	)

	JobRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buyerfit_job_records_total",
			Help: "Batch job records processed, by job type and outcome",
		},
		[]string{"job_type", "outcome"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buyerfit_alerts_sent_total",
			Help: "Alerts delivered, by alert type",
		},
		[]string{"type"},
	)
)

// Outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeThrottled = "throttled"
)
