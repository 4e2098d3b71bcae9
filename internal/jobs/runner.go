// Package jobs drives resumable batch runs (enrichment, bulk rescoring) and
// persists their progress after every record.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/metrics"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/resilience"
)

// ErrCircuitTripped is returned when a run halts on an open circuit breaker.
var ErrCircuitTripped = errors.New("jobs: circuit breaker tripped")

// ErrNotResumable is returned when resuming a completed job.
var ErrNotResumable = errors.New("jobs: job already completed")

// pageSize is the number of record ids fetched per page.
const pageSize = 100

// Store is the job persistence the runner needs.
type Store interface {
	CreateJob(ctx context.Context, jobType string, total int) (*model.EnrichmentJob, error)
	GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	SaveJobProgress(ctx context.Context, job model.EnrichmentJob) error
}

// Source yields record ids in ascending order.
type Source interface {
	Count(ctx context.Context) (int, error)
	IDsAfter(ctx context.Context, afterID string, limit int) ([]string, error)
}

// Result is how one record finished.
type Result int

const (
	Succeeded Result = iota
	Skipped
)

// RecordFunc processes one record.
type RecordFunc func(ctx context.Context, id string) (Result, error)

// Options configure a Runner.
type Options struct {
	Breaker resilience.CircuitBreakerConfig
	Retry   resilience.RetryConfig
}

// OptionsFrom converts jobs config values.
func OptionsFrom(c config.JobsConfig) Options {
	return Options{
		Breaker: resilience.FromCircuitConfig(c.CircuitFailureThreshold, c.CircuitResetSecs),
		Retry:   resilience.FromRetryConfig(c.RetryMaxAttempts, c.RetryInitialBackoffMs, c.RetryMaxBackoffMs),
	}
}

// Runner executes one job type over a source.
type Runner struct {
	store   Store
	jobType string
	source  Source
	fn      RecordFunc
	opts    Options
	now     func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(s Store, jobType string, src Source, fn RecordFunc, opts Options) *Runner {
	return &Runner{store: s, jobType: jobType, source: src, fn: fn, opts: opts, now: time.Now}
}

// Start creates a job sized to the source and runs it.
func (r *Runner) Start(ctx context.Context) (*model.EnrichmentJob, error) {
	total, err := r.source.Count(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: count records")
	}
	job, err := r.store.CreateJob(ctx, r.jobType, total)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: create job")
	}
	return r.run(ctx, job)
}

// Resume continues a job after its last processed record. Counters carry
// over; a tripped breaker is cleared.
func (r *Runner) Resume(ctx context.Context, jobID string) (*model.EnrichmentJob, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: load job %s", jobID)
	}
	if job.Status == model.JobStatusCompleted {
		return job, eris.Wrapf(ErrNotResumable, "job %s", jobID)
	}
	job.Status = model.JobStatusRunning
	job.CircuitBreakerTripped = false
	job.CompletedAt = nil
	return r.run(ctx, job)
}

func (r *Runner) run(ctx context.Context, job *model.EnrichmentJob) (*model.EnrichmentJob, error) {
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("job_type", job.JobType))
	log.Info("jobs: run starting",
		zap.Int("total", job.Total),
		zap.String("cursor", job.LastProcessedID),
	)

	brCfg := r.opts.Breaker
	brCfg.ShouldTrip = func(err error) bool {
		return !resilience.IsPermanent(err) && !errors.Is(err, context.Canceled)
	}
	breaker := resilience.NewCircuitBreaker(brCfg)

	retryCfg := r.opts.Retry
	retryCfg.OnRetry = resilience.RetryLogger(job.JobType, "record")

	for {
		ids, err := r.source.IDsAfter(ctx, job.LastProcessedID, pageSize)
		if err != nil {
			return job, r.halt(ctx, job, eris.Wrap(err, "jobs: list records"))
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				log.Info("jobs: interrupted, progress saved", zap.Int("processed", job.Processed))
				return job, ctx.Err()
			}

			var rateLimited int
			var res Result
			err := breaker.Execute(ctx, func(ctx context.Context) error {
				var ferr error
				res, ferr = resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (Result, error) {
					out, err := r.fn(ctx, id)
					if resilience.IsRateLimited(err) {
						rateLimited++
					}
					return out, err
				})
				return ferr
			})
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return job, r.trip(ctx, job, log)
			}

			job.RateLimitCount += rateLimited
			job.Processed++
			job.LastProcessedID = id
			switch {
			case err != nil:
				job.Failed++
				job.ErrorCount++
				job.LastError = err.Error()
				metrics.JobRecords.WithLabelValues(job.JobType, metrics.OutcomeFailed).Inc()
				log.Warn("jobs: record failed", zap.String("record_id", id), zap.Error(err))
			case res == Skipped:
				job.Skipped++
				metrics.JobRecords.WithLabelValues(job.JobType, metrics.OutcomeSkipped).Inc()
			default:
				job.Succeeded++
				metrics.JobRecords.WithLabelValues(job.JobType, metrics.OutcomeSuccess).Inc()
			}

			if serr := r.store.SaveJobProgress(context.WithoutCancel(ctx), *job); serr != nil {
				return job, eris.Wrapf(serr, "jobs: save progress for %s", job.ID)
			}

			if breaker.Tripped() {
				return job, r.trip(ctx, job, log)
			}
		}
	}

	now := r.now().UTC()
	job.Status = model.JobStatusCompleted
	job.CompletedAt = &now
	if err := r.store.SaveJobProgress(context.WithoutCancel(ctx), *job); err != nil {
		return job, eris.Wrapf(err, "jobs: complete %s", job.ID)
	}
	log.Info("jobs: run complete",
		zap.Int("processed", job.Processed),
		zap.Int("succeeded", job.Succeeded),
		zap.Int("failed", job.Failed),
		zap.Int("skipped", job.Skipped),
		zap.Int("rate_limited", job.RateLimitCount),
	)
	return job, nil
}

// trip halts the job on an open breaker. Completed records stay counted.
func (r *Runner) trip(ctx context.Context, job *model.EnrichmentJob, log *zap.Logger) error {
	job.CircuitBreakerTripped = true
	log.Error("jobs: circuit breaker tripped, halting",
		zap.Int("processed", job.Processed),
		zap.Int("error_count", job.ErrorCount),
	)
	return r.halt(ctx, job, eris.Wrapf(ErrCircuitTripped, "job %s", job.ID))
}

func (r *Runner) halt(ctx context.Context, job *model.EnrichmentJob, cause error) error {
	now := r.now().UTC()
	job.Status = model.JobStatusFailed
	job.CompletedAt = &now
	if job.LastError == "" {
		job.LastError = cause.Error()
	}
	if err := r.store.SaveJobProgress(context.WithoutCancel(ctx), *job); err != nil {
		return eris.Wrapf(err, "jobs: save halted job %s", job.ID)
	}
	return cause
}
