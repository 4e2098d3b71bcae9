package model

import "time"

// ScoreType distinguishes the two kinds of scoring work.
type ScoreType string

const (
	// ScoreTypeDeal scores a buyer against a deal with learned weights.
	ScoreTypeDeal ScoreType = "deal"
	// ScoreTypeAlignment scores a buyer against a deal with the universe's
	// base weights only.
	ScoreTypeAlignment ScoreType = "alignment"
)

// Valid reports whether s is a known score type.
func (s ScoreType) Valid() bool {
	return s == ScoreTypeDeal || s == ScoreTypeAlignment
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// Terminal reports whether the status ends the item's lifecycle.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// QueueItem is one unit of pending scoring work.
type QueueItem struct {
	ID          int64       `json:"id"`
	UniverseID  string      `json:"universe_id"`
	BuyerID     string      `json:"buyer_id"`
	DealID      string      `json:"deal_id"`
	ScoreType   ScoreType   `json:"score_type"`
	TriggerType TriggerType `json:"trigger_type"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
}

// EnqueueRequest identifies the work to enqueue.
type EnqueueRequest struct {
	UniverseID  string      `json:"universe_id"`
	BuyerID     string      `json:"buyer_id"`
	DealID      string      `json:"deal_id"`
	ScoreType   ScoreType   `json:"score_type"`
	TriggerType TriggerType `json:"trigger_type,omitempty"`
}

// QueueStats counts queue items by status.
type QueueStats map[QueueStatus]int

// RecoveryReport counts what one stale-recovery sweep reset, per queue.
type RecoveryReport struct {
	ScoringQueue      int `json:"scoring_queue"`
	EnrichmentJobs    int `json:"enrichment_jobs"`
	RateLimitCounters int `json:"rate_limit_counters"`
}
