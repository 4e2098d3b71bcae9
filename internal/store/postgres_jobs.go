package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/model"
)

const jobColumns = `id, job_type, status, total, processed, succeeded, failed, skipped,
	last_processed_id, error_count, rate_limit_count, circuit_breaker_tripped, last_error,
	started_at, updated_at, completed_at`

func (s *PostgresStore) CreateJob(ctx context.Context, jobType string, total int) (*model.EnrichmentJob, error) {
	now := time.Now().UTC()
	job := model.EnrichmentJob{
		ID:        uuid.New().String(),
		JobType:   jobType,
		Status:    model.JobStatusRunning,
		Total:     total,
		StartedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrichment_jobs (id, job_type, status, total, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.JobType, string(job.Status), job.Total, job.StartedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create job %s", jobType)
	}
	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return &jobs[0], nil
}

// SaveJobProgress writes the counters, cursor and status of a job.
func (s *PostgresStore) SaveJobProgress(ctx context.Context, job model.EnrichmentJob) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_jobs SET
			status = $2, total = $3, processed = $4, succeeded = $5, failed = $6, skipped = $7,
			last_processed_id = $8, error_count = $9, rate_limit_count = $10,
			circuit_breaker_tripped = $11, last_error = $12, updated_at = now(), completed_at = $13
		WHERE id = $1`,
		job.ID, string(job.Status), job.Total, job.Processed, job.Succeeded, job.Failed, job.Skipped,
		job.LastProcessedID, job.ErrorCount, job.RateLimitCount,
		job.CircuitBreakerTripped, job.LastError, job.CompletedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.EnrichmentJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM enrichment_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY started_at DESC, id
		LIMIT $2`,
		string(filter.Status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	return collectJobs(rows)
}

// FailStaleJobs fails running jobs that started before cutoff without
// processing anything.
func (s *PostgresStore) FailStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_jobs SET status = 'failed', last_error = $2, updated_at = now(), completed_at = now()
		WHERE status = 'running' AND processed = 0 AND started_at < $1`,
		cutoff, staleJobError,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: fail stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

func collectJobs(rows pgx.Rows) ([]model.EnrichmentJob, error) {
	defer rows.Close()

	var jobs []model.EnrichmentJob
	for rows.Next() {
		var j model.EnrichmentJob
		var status string
		if err := rows.Scan(&j.ID, &j.JobType, &status, &j.Total, &j.Processed, &j.Succeeded, &j.Failed, &j.Skipped,
			&j.LastProcessedID, &j.ErrorCount, &j.RateLimitCount, &j.CircuitBreakerTripped, &j.LastError,
			&j.StartedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		j.Status = model.JobStatus(status)
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}
