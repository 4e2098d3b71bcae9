package model

import "time"

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// EnrichmentJob tracks progress of a batch enrichment or scoring run.
type EnrichmentJob struct {
	ID                    string     `json:"id"`
	JobType               string     `json:"job_type"`
	Status                JobStatus  `json:"status"`
	Total                 int        `json:"total"`
	Processed             int        `json:"processed"`
	Succeeded             int        `json:"succeeded"`
	Failed                int        `json:"failed"`
	Skipped               int        `json:"skipped"`
	LastProcessedID       string     `json:"last_processed_id,omitempty"`
	ErrorCount            int        `json:"error_count"`
	RateLimitCount        int        `json:"rate_limit_count"`
	CircuitBreakerTripped bool       `json:"circuit_breaker_tripped"`
	LastError             string     `json:"last_error,omitempty"`
	StartedAt             time.Time  `json:"started_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// RateLimitState is the shared per-provider concurrency and backoff state.
type RateLimitState struct {
	Provider           string    `json:"provider"`
	ConcurrentRequests int       `json:"concurrent_requests"`
	BackoffUntil       time.Time `json:"backoff_until"`
	BusySince          time.Time `json:"busy_since"`
}
