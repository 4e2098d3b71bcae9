package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var recoverThresholdMinutes int

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reset work left in progress by crashed workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initScoring(ctx, "recover")
		if err != nil {
			return err
		}
		defer env.Close()

		minutes := recoverThresholdMinutes
		if minutes <= 0 {
			minutes = int(staleThreshold().Minutes())
		}
		rep, err := env.Service.RecoverStaleItems(ctx, minutes)
		if err != nil {
			return err
		}

		zap.L().Info("stale recovery complete",
			zap.Int("threshold_minutes", minutes),
			zap.Int("scoring_queue", rep.ScoringQueue),
			zap.Int("enrichment_jobs", rep.EnrichmentJobs),
			zap.Int("rate_limit_counters", rep.RateLimitCounters),
		)
		return nil
	},
}

func init() {
	recoverCmd.Flags().IntVar(&recoverThresholdMinutes, "threshold-minutes", 0, "stale threshold in minutes (default from config)")
	rootCmd.AddCommand(recoverCmd)
}
