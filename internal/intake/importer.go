package intake

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/buyer-fit/internal/model"
)

// Kind names what a file holds.
type Kind string

const (
	KindBuyers    Kind = "buyers"
	KindDeals     Kind = "deals"
	KindUniverses Kind = "universes"
)

// Store is the persistence intake writes to.
type Store interface {
	UpsertBuyer(ctx context.Context, b model.Buyer) error
	UpsertDeal(ctx context.Context, d model.Deal) error
	UpsertUniverse(ctx context.Context, u model.Universe) error
}

// Enqueuer queues rescoring for imported entities.
type Enqueuer interface {
	EnqueueForBuyer(ctx context.Context, buyerID string, trigger model.TriggerType) (int, error)
	EnqueueForDeal(ctx context.Context, dealID string, trigger model.TriggerType) (int, error)
	EnqueueUniverse(ctx context.Context, universeID string, st model.ScoreType, trigger model.TriggerType) (int, error)
}

// Report summarises one import.
type Report struct {
	Kind     Kind       `json:"kind"`
	Rows     int        `json:"rows"`
	Imported int        `json:"imported"`
	Enqueued int        `json:"enqueued"`
	Errors   []RowError `json:"errors,omitempty"`
}

// Importer upserts parsed rows and queues the affected pairs with the bulk
// trigger.
type Importer struct {
	store       Store
	queue       Enqueuer
	concurrency int
}

// NewImporter creates an Importer. A nil queue skips enqueueing.
func NewImporter(s Store, q Enqueuer, concurrency int) *Importer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Importer{store: s, queue: q, concurrency: concurrency}
}

// ImportFile reads path and imports it as kind.
func (im *Importer) ImportFile(ctx context.Context, kind Kind, path, sheet string) (*Report, error) {
	t, err := ReadFile(path, sheet)
	if err != nil {
		return nil, err
	}
	return im.Import(ctx, kind, t)
}

// Import writes every valid row of t. Unparseable rows are reported and
// skipped; a storage error aborts the import.
func (im *Importer) Import(ctx context.Context, kind Kind, t *Table) (*Report, error) {
	if !t.Has("id") {
		return nil, eris.Errorf("intake: %s file has no id column", kind)
	}
	rep := &Report{Kind: kind, Rows: len(t.Rows)}

	var ids []string
	var write func(ctx context.Context, i int) error
	switch kind {
	case KindBuyers:
		buyers, errs := ParseBuyers(t)
		rep.Errors = errs
		ids = make([]string, len(buyers))
		for i, b := range buyers {
			ids[i] = b.ID
		}
		write = func(ctx context.Context, i int) error { return im.store.UpsertBuyer(ctx, buyers[i]) }
	case KindDeals:
		deals, errs := ParseDeals(t)
		rep.Errors = errs
		ids = make([]string, len(deals))
		for i, d := range deals {
			ids[i] = d.ID
		}
		write = func(ctx context.Context, i int) error { return im.store.UpsertDeal(ctx, deals[i]) }
	case KindUniverses:
		us, errs := ParseUniverses(t)
		rep.Errors = errs
		ids = make([]string, len(us))
		for i, u := range us {
			ids[i] = u.ID
		}
		write = func(ctx context.Context, i int) error { return im.store.UpsertUniverse(ctx, us[i]) }
	default:
		return nil, eris.Errorf("intake: unknown kind %q", kind)
	}

	var enqueued atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.concurrency)
	for i := range ids {
		g.Go(func() error {
			if err := write(gctx, i); err != nil {
				return eris.Wrapf(err, "intake: write %s %s", kind, ids[i])
			}
			n, err := im.enqueue(gctx, kind, ids[i])
			if err != nil {
				return err
			}
			enqueued.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	rep.Imported = len(ids)
	rep.Enqueued = int(enqueued.Load())
	zap.L().Info("intake: import complete",
		zap.String("kind", string(kind)),
		zap.Int("rows", rep.Rows),
		zap.Int("imported", rep.Imported),
		zap.Int("enqueued", rep.Enqueued),
		zap.Int("row_errors", len(rep.Errors)),
	)
	for _, re := range rep.Errors {
		zap.L().Warn("intake: row rejected", zap.String("kind", string(kind)), zap.Int("row", re.Row), zap.String("error", re.Err))
	}
	return rep, nil
}

func (im *Importer) enqueue(ctx context.Context, kind Kind, id string) (int, error) {
	if im.queue == nil {
		return 0, nil
	}
	var n int
	var err error
	switch kind {
	case KindBuyers:
		n, err = im.queue.EnqueueForBuyer(ctx, id, model.TriggerBulk)
	case KindDeals:
		n, err = im.queue.EnqueueForDeal(ctx, id, model.TriggerBulk)
	case KindUniverses:
		var m int
		if n, err = im.queue.EnqueueUniverse(ctx, id, model.ScoreTypeDeal, model.TriggerBulk); err == nil {
			m, err = im.queue.EnqueueUniverse(ctx, id, model.ScoreTypeAlignment, model.TriggerBulk)
			n += m
		}
	}
	if err != nil {
		return n, eris.Wrapf(err, "intake: enqueue %s %s", kind, id)
	}
	return n, nil
}
