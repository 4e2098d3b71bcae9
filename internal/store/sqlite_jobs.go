package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/model"
)

func (s *SQLiteStore) CreateJob(ctx context.Context, jobType string, total int) (*model.EnrichmentJob, error) {
	now := fromNanos(nowNanos())
	job := model.EnrichmentJob{
		ID:        uuid.New().String(),
		JobType:   jobType,
		Status:    model.JobStatusRunning,
		Total:     total,
		StartedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_jobs (id, job_type, status, total, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.JobType, string(job.Status), job.Total, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create job %s", jobType)
	}
	return &job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) SaveJobProgress(ctx context.Context, job model.EnrichmentJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_jobs SET
			status = ?, total = ?, processed = ?, succeeded = ?, failed = ?, skipped = ?,
			last_processed_id = ?, error_count = ?, rate_limit_count = ?,
			circuit_breaker_tripped = ?, last_error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(job.Status), job.Total, job.Processed, job.Succeeded, job.Failed, job.Skipped,
		job.LastProcessedID, job.ErrorCount, job.RateLimitCount,
		job.CircuitBreakerTripped, job.LastError, nowNanos(), nullNanos(job.CompletedAt), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save job %s", job.ID)
	}
	return checkRowsAffected(res, "job", job.ID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.EnrichmentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM enrichment_jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.EnrichmentJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) FailStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	now := nowNanos()
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_jobs SET status = 'failed', last_error = ?, updated_at = ?, completed_at = ?
		WHERE status = 'running' AND processed = 0 AND started_at < ?`,
		staleJobError, now, now, cutoff.UTC().UnixNano(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fail stale jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func scanSQLiteJob(row scannable) (*model.EnrichmentJob, error) {
	var j model.EnrichmentJob
	var status string
	var started, updated int64
	var completed sql.NullInt64
	if err := row.Scan(&j.ID, &j.JobType, &status, &j.Total, &j.Processed, &j.Succeeded, &j.Failed, &j.Skipped,
		&j.LastProcessedID, &j.ErrorCount, &j.RateLimitCount, &j.CircuitBreakerTripped, &j.LastError,
		&started, &updated, &completed); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.StartedAt = fromNanos(started)
	j.UpdatedAt = fromNanos(updated)
	j.CompletedAt = fromNullNanos(completed)
	return &j, nil
}
