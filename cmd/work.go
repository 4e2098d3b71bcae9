package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/buyer-fit/internal/monitoring"
	"github.com/sells-group/buyer-fit/internal/queue"
)

var workDrain bool

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run scoring workers against the queue",
	Long:  "Runs the worker pool with stale recovery and alerting until interrupted. With --drain, processes every claimable item once and exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initScoring(ctx, "work")
		if err != nil {
			return err
		}
		defer env.Close()

		if workDrain {
			if _, err := env.Recoverer.RecoverStale(ctx, staleThreshold()); err != nil {
				return err
			}
			n, err := newPool(env, nil).Drain(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("queue drained", zap.Int("resolved", n))
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		startBackground(gctx, g, env)
		return g.Wait()
	},
}

func newPool(env *scoringEnv, onTerminal queue.TerminalFunc) *queue.Pool {
	pool := queue.NewPool(queue.PoolConfigFrom(cfg.Queue), env.Store, env.Processor)
	if onTerminal != nil {
		pool.OnTerminalFailure(onTerminal)
	}
	return pool
}

// startBackground launches the worker pool, the stale-recovery loop and the
// alert checker on g. A sweep runs first so work abandoned by a previous
// process is claimable immediately.
func startBackground(ctx context.Context, g *errgroup.Group, env *scoringEnv) {
	if _, err := env.Recoverer.RecoverStale(ctx, staleThreshold()); err != nil {
		zap.L().Error("startup stale recovery failed", zap.Error(err))
	}

	checker := monitoring.NewChecker(
		monitoring.NewCollector(env.Store),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	pool := newPool(env, checker.TerminalFailure)

	g.Go(func() error {
		checker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		env.Recoverer.Run(ctx, recoveryInterval(), staleThreshold())
		return nil
	})
	g.Go(func() error {
		return pool.Run(ctx)
	})
}

func init() {
	workCmd.Flags().BoolVar(&workDrain, "drain", false, "process all claimable items and exit")
	rootCmd.AddCommand(workCmd)
}
