package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/model"
)

var (
	enqueueUniverse  string
	enqueueBuyer     string
	enqueueDeal      string
	enqueueScoreType string
	enqueueTrigger   string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue scoring work",
	Long: `Queues scoring work. With --universe, --buyer and --deal, queues one pair.
With only --universe, queues every pair in the universe. With only --buyer or
only --deal, queues every pair that buyer or deal takes part in.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initScoring(ctx, "enqueue")
		if err != nil {
			return err
		}
		defer env.Close()

		st := model.ScoreType(enqueueScoreType)
		if !st.Valid() {
			return eris.Errorf("unknown score type %q", enqueueScoreType)
		}
		trigger := model.TriggerType(enqueueTrigger)
		if !trigger.Valid() {
			return eris.Errorf("unknown trigger type %q", enqueueTrigger)
		}

		var n int
		switch {
		case enqueueUniverse != "" && enqueueBuyer != "" && enqueueDeal != "":
			ok, err := env.Service.EnqueueScoring(ctx, model.EnqueueRequest{
				UniverseID:  enqueueUniverse,
				BuyerID:     enqueueBuyer,
				DealID:      enqueueDeal,
				ScoreType:   st,
				TriggerType: trigger,
			})
			if err != nil {
				return err
			}
			if ok {
				n = 1
			}
		case enqueueUniverse != "" && enqueueBuyer == "" && enqueueDeal == "":
			n, err = env.Queue.EnqueueUniverse(ctx, enqueueUniverse, st, trigger)
		case enqueueBuyer != "" && enqueueDeal == "" && enqueueUniverse == "":
			n, err = env.Queue.EnqueueForBuyer(ctx, enqueueBuyer, trigger)
		case enqueueDeal != "" && enqueueBuyer == "" && enqueueUniverse == "":
			n, err = env.Queue.EnqueueForDeal(ctx, enqueueDeal, trigger)
		default:
			return eris.New("pass --universe, --buyer and --deal together, or exactly one of them")
		}
		if err != nil {
			return err
		}

		zap.L().Info("enqueue complete",
			zap.Int("queued", n),
			zap.String("score_type", string(st)),
			zap.String("trigger_type", string(trigger)),
		)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueUniverse, "universe", "", "universe id")
	enqueueCmd.Flags().StringVar(&enqueueBuyer, "buyer", "", "buyer id")
	enqueueCmd.Flags().StringVar(&enqueueDeal, "deal", "", "deal id")
	enqueueCmd.Flags().StringVar(&enqueueScoreType, "score-type", string(model.ScoreTypeDeal), "deal or alignment (universe mode)")
	enqueueCmd.Flags().StringVar(&enqueueTrigger, "trigger", string(model.TriggerManual), "manual, bulk, auto or recalculation")
	rootCmd.AddCommand(enqueueCmd)
}
