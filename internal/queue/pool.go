package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/metrics"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/resilience"
	"github.com/sells-group/buyer-fit/internal/store"
)

// Outcome is how a handler resolved an item it processed without error.
type Outcome string

const (
	// OutcomeScored means a score was computed and recorded.
	OutcomeScored Outcome = "scored"
	// OutcomeSkipped means the item needed no scoring (archived buyer).
	OutcomeSkipped Outcome = "skipped"
)

// Handler computes one claimed item. Errors wrapped as
// resilience.PermanentError fail the item terminally; any other error is
// retried while attempts remain.
type Handler interface {
	Process(ctx context.Context, item model.QueueItem) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item model.QueueItem) (Outcome, error)

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, item model.QueueItem) (Outcome, error) {
	return f(ctx, item)
}

// WorkStore is the persistence the worker pool needs.
type WorkStore interface {
	ClaimBatch(ctx context.Context, limit int) ([]model.QueueItem, error)
	CompleteItem(ctx context.Context, id int64) error
	FailItem(ctx context.Context, id int64, errMsg string, maxAttempts int, permanent bool) (*store.FailOutcome, error)
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers        int
	PollInterval   time.Duration
	ClaimBatchSize int
	MaxAttempts    int
}

// PoolConfigFrom converts queue config values. Zero values keep the defaults.
func PoolConfigFrom(c config.QueueConfig) PoolConfig {
	return PoolConfig{
		Workers:        c.Workers,
		PollInterval:   time.Duration(c.PollIntervalMs) * time.Millisecond,
		ClaimBatchSize: c.ClaimBatchSize,
		MaxAttempts:    c.MaxAttempts,
	}.withDefaults()
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// TerminalFunc is notified when an item fails terminally.
type TerminalFunc func(ctx context.Context, item model.QueueItem, errMsg string)

// Pool runs workers that claim, process and resolve queue items.
type Pool struct {
	cfg        PoolConfig
	store      WorkStore
	handler    Handler
	onTerminal TerminalFunc
}

// NewPool creates a worker pool.
func NewPool(cfg PoolConfig, s WorkStore, h Handler) *Pool {
	return &Pool{cfg: cfg.withDefaults(), store: s, handler: h}
}

// OnTerminalFailure registers a callback for terminal failures.
func (p *Pool) OnTerminalFailure(fn TerminalFunc) {
	p.onTerminal = fn
}

// Run starts the workers and blocks until ctx is cancelled or a worker hits
// a storage error. Items in flight at shutdown stay processing for stale
// recovery to reclaim.
func (p *Pool) Run(ctx context.Context) error {
	_, err := p.run(ctx, false)
	return err
}

// Drain runs the workers until the queue has no claimable items and returns
// the number of items resolved.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	return p.run(ctx, true)
}

func (p *Pool) run(ctx context.Context, exitWhenIdle bool) (int, error) {
	zap.L().Info("queue: starting workers",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("claim_batch_size", p.cfg.ClaimBatchSize),
	)

	counts := make([]int, p.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			n, err := p.worker(gctx, i, exitWhenIdle)
			counts[i] = n
			return err
		})
	}
	err := g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	if err != nil {
		return total, eris.Wrap(err, "queue: worker pool")
	}
	return total, nil
}

func (p *Pool) worker(ctx context.Context, id int, exitWhenIdle bool) (int, error) {
	log := zap.L().With(zap.String("component", "worker"), zap.Int("worker", id))
	resolved := 0

	for {
		if ctx.Err() != nil {
			return resolved, nil
		}

		items, err := p.store.ClaimBatch(ctx, p.cfg.ClaimBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return resolved, nil
			}
			return resolved, eris.Wrapf(err, "worker %d: claim", id)
		}

		if len(items) == 0 {
			if exitWhenIdle {
				return resolved, nil
			}
			select {
			case <-ctx.Done():
				return resolved, nil
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		for _, item := range items {
			if ctx.Err() != nil {
				log.Info("shutdown with claimed item left processing", zap.Int64("queue_id", item.ID))
				continue
			}
			if err := p.handle(ctx, log, item); err != nil {
				return resolved, err
			}
			resolved++
		}
	}
}

// handle processes one claimed item and records its outcome. It returns an
// error only when the resolution itself could not be written.
func (p *Pool) handle(ctx context.Context, log *zap.Logger, item model.QueueItem) error {
	log = log.With(
		zap.Int64("queue_id", item.ID),
		zap.String("buyer_id", item.BuyerID),
		zap.String("deal_id", item.DealID),
		zap.String("score_type", string(item.ScoreType)),
	)

	metrics.WorkersActive.Inc()
	start := time.Now()
	outcome, err := p.handler.Process(ctx, item)
	metrics.WorkersActive.Dec()
	metrics.ScoreDuration.WithLabelValues(string(item.ScoreType)).Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		// Interrupted mid-item: leave it processing.
		log.Info("item interrupted by shutdown", zap.Error(err))
		return nil
	}

	// A finished computation is resolved even if shutdown begins now.
	wctx := context.WithoutCancel(ctx)

	if err == nil {
		if cerr := p.store.CompleteItem(wctx, item.ID); cerr != nil {
			return eris.Wrapf(cerr, "complete item %d", item.ID)
		}
		label := metrics.OutcomeCompleted
		if outcome == OutcomeSkipped {
			label = metrics.OutcomeSkipped
			log.Info("item skipped")
		} else {
			log.Debug("item completed")
		}
		metrics.QueueItemsProcessed.WithLabelValues(string(item.ScoreType), label).Inc()
		return nil
	}

	permanent := resilience.Classify(err) == resilience.ClassPermanent
	res, ferr := p.store.FailItem(wctx, item.ID, err.Error(), p.cfg.MaxAttempts, permanent)
	if ferr != nil {
		return eris.Wrapf(ferr, "fail item %d", item.ID)
	}

	if res.Status == model.QueueStatusFailed {
		metrics.QueueItemsProcessed.WithLabelValues(string(item.ScoreType), metrics.OutcomeFailed).Inc()
		log.Error("item failed terminally",
			zap.Int("attempts", res.Attempts),
			zap.Bool("permanent", permanent),
			zap.Error(err),
		)
		if p.onTerminal != nil {
			p.onTerminal(wctx, item, err.Error())
		}
		return nil
	}

	metrics.QueueItemsProcessed.WithLabelValues(string(item.ScoreType), metrics.OutcomeRetry).Inc()
	log.Warn("item failed, will retry", zap.Int("attempts", res.Attempts), zap.Error(err))
	return nil
}
