package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var recalcDeal string

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Relearn a deal's weight multipliers and queue it for rescoring",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initScoring(ctx, "recalc")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.RecalculateWeights(ctx, recalcDeal)
		if err != nil {
			return err
		}

		zap.L().Info("recalculation complete",
			zap.String("deal_id", recalcDeal),
			zap.Float64("geography_mult", res.Adjustment.Multipliers.Geography),
			zap.Float64("size_mult", res.Adjustment.Multipliers.Size),
			zap.Float64("services_mult", res.Adjustment.Multipliers.Services),
			zap.Int("enqueued", res.Enqueued),
		)
		return nil
	},
}

func init() {
	recalcCmd.Flags().StringVar(&recalcDeal, "deal", "", "deal id (required)")
	_ = recalcCmd.MarkFlagRequired("deal")
	rootCmd.AddCommand(recalcCmd)
}
