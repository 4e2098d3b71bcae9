package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/enrich"
	"github.com/sells-group/buyer-fit/internal/jobs"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/pkg/enrichapi"
)

var (
	enrichBuyers []string
	enrichResume string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Refresh buyer criteria from the enrichment provider",
	Long: `Runs a tracked enrichment job over every buyer, or only the --buyer ids.
Changed buyers are queued for rescoring. An interrupted or tripped job can be
continued with --resume.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initScoring(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		runner := newEnrichRunner(env, enrichSource(env))

		var job *model.EnrichmentJob
		if enrichResume != "" {
			job, err = runner.Resume(ctx, enrichResume)
		} else {
			job, err = runner.Start(ctx)
		}
		if job != nil {
			logJob(job)
		}
		return err
	},
}

func enrichSource(env *scoringEnv) jobs.Source {
	if len(enrichBuyers) > 0 {
		return jobs.NewStaticSource(enrichBuyers)
	}
	return jobs.BuyerSource{Store: env.Store}
}

func newEnrichRunner(env *scoringEnv, src jobs.Source) *jobs.Runner {
	client := enrichapi.NewClient(cfg.Enrichment.Key, enrichapi.WithBaseURL(cfg.Enrichment.BaseURL))
	e := enrich.New(env.Store, env.Limiter, client, env.Queue, cfg.Enrichment.Provider)
	return e.Runner(env.Store, src, jobs.OptionsFrom(cfg.Jobs))
}

func logJob(job *model.EnrichmentJob) {
	zap.L().Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.String("status", string(job.Status)),
		zap.Int("total", job.Total),
		zap.Int("processed", job.Processed),
		zap.Int("succeeded", job.Succeeded),
		zap.Int("failed", job.Failed),
		zap.Int("skipped", job.Skipped),
		zap.Int("rate_limited", job.RateLimitCount),
		zap.Bool("circuit_breaker_tripped", job.CircuitBreakerTripped),
	)
}

// resumeJob continues a job by type. Only enrichment jobs are resumable
// from the CLI.
func resumeJob(ctx context.Context, env *scoringEnv, job *model.EnrichmentJob) (*model.EnrichmentJob, error) {
	if job.JobType != enrich.JobType {
		return job, eris.Errorf("job %s has type %q; only %q jobs can be resumed", job.ID, job.JobType, enrich.JobType)
	}
	return newEnrichRunner(env, jobs.BuyerSource{Store: env.Store}).Resume(ctx, job.ID)
}

func init() {
	enrichCmd.Flags().StringSliceVar(&enrichBuyers, "buyer", nil, "buyer ids to enrich (default all)")
	enrichCmd.Flags().StringVar(&enrichResume, "resume", "", "resume the given job id")
	rootCmd.AddCommand(enrichCmd)
}
