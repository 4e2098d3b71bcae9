package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/learner"
	"github.com/sells-group/buyer-fit/internal/pipeline"
	"github.com/sells-group/buyer-fit/internal/queue"
	"github.com/sells-group/buyer-fit/internal/ratelimit"
	"github.com/sells-group/buyer-fit/internal/scorer"
	"github.com/sells-group/buyer-fit/internal/service"
	"github.com/sells-group/buyer-fit/internal/snapshot"
	"github.com/sells-group/buyer-fit/internal/store"
)

// scoringEnv holds the store and the scoring components shared by the
// serve/work/enqueue/recover/recalc commands.
type scoringEnv struct {
	Store     store.Store
	Queue     *queue.Queue
	Learner   *learner.Learner
	Processor *pipeline.Processor
	Limiter   *ratelimit.Limiter
	Recoverer *queue.Recoverer
	Service   *service.Service

	closeLimiter func() error
}

// Close releases resources held by the environment.
func (e *scoringEnv) Close() {
	if e.closeLimiter != nil {
		if err := e.closeLimiter(); err != nil {
			zap.L().Warn("close rate limiter", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initScoring validates config for mode, opens and migrates the store and
// wires the scoring components. Callers should defer env.Close().
func initScoring(ctx context.Context, mode string) (*scoringEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var profile *scorer.Profile
	if cfg.Scorer.ProfilePath != "" {
		profile, err = scorer.LoadProfile(cfg.Scorer.ProfilePath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	limiter, closeLimiter, err := ratelimit.NewFromConfig(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init rate limiter")
	}

	q := queue.New(st)
	l := learner.New(cfg.Learner, st)
	proc := pipeline.NewProcessor(st, l, scorer.New(cfg.Scorer, profile), snapshot.NewRecorder(st))
	rec := queue.NewRecoverer(st, limiter, cfg.Queue.MaxAttempts)

	return &scoringEnv{
		Store:        st,
		Queue:        q,
		Learner:      l,
		Processor:    proc,
		Limiter:      limiter,
		Recoverer:    rec,
		Service:      service.New(st, q, rec, l),
		closeLimiter: closeLimiter,
	}, nil
}

// staleThreshold returns the configured stale-recovery threshold.
func staleThreshold() time.Duration {
	if cfg.Recovery.StaleThresholdSecs <= 0 {
		return queue.DefaultStaleThreshold
	}
	return time.Duration(cfg.Recovery.StaleThresholdSecs) * time.Second
}

// recoveryInterval returns how often the serve and work loops sweep.
func recoveryInterval() time.Duration {
	if cfg.Recovery.IntervalSecs <= 0 {
		return time.Minute
	}
	return time.Duration(cfg.Recovery.IntervalSecs) * time.Second
}
