// Package enrich refreshes buyer criteria from the enrichment provider and
// queues the affected pairs for rescoring.
package enrich

import (
	"context"
	"errors"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/jobs"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/resilience"
	"github.com/sells-group/buyer-fit/internal/store"
	"github.com/sells-group/buyer-fit/pkg/enrichapi"
)

// JobType labels enrichment batch jobs.
const JobType = "enrich"

// Store is the buyer persistence enrichment needs.
type Store interface {
	GetBuyer(ctx context.Context, id string) (*model.Buyer, error)
	UpsertBuyer(ctx context.Context, b model.Buyer) error
}

// Limiter gates provider calls.
type Limiter interface {
	Do(ctx context.Context, provider string, fn func(ctx context.Context) error) error
}

// Enqueuer queues rescoring for a buyer's universes.
type Enqueuer interface {
	EnqueueForBuyer(ctx context.Context, buyerID string, trigger model.TriggerType) (int, error)
}

// Enricher enriches one buyer at a time.
type Enricher struct {
	store    Store
	limiter  Limiter
	client   enrichapi.Client
	queue    Enqueuer
	provider string
}

// New creates an Enricher that calls client under the named provider's
// rate limit.
func New(s Store, l Limiter, c enrichapi.Client, q Enqueuer, provider string) *Enricher {
	return &Enricher{store: s, limiter: l, client: c, queue: q, provider: provider}
}

// Buyer refreshes one buyer. Archived buyers are skipped. Unchanged
// criteria are not written back and queue nothing.
func (e *Enricher) Buyer(ctx context.Context, buyerID string) (jobs.Result, error) {
	log := zap.L().With(zap.String("buyer_id", buyerID), zap.String("provider", e.provider))

	buyer, err := e.store.GetBuyer(ctx, buyerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Skipped, resilience.NewPermanentError(eris.Wrapf(err, "enrich: buyer %s", buyerID))
		}
		return jobs.Skipped, eris.Wrapf(err, "enrich: load buyer %s", buyerID)
	}
	if buyer.Archived {
		log.Debug("enrich: buyer archived, skipping")
		return jobs.Skipped, nil
	}

	var resp *enrichapi.EnrichResponse
	err = e.limiter.Do(ctx, e.provider, func(ctx context.Context) error {
		var cerr error
		resp, cerr = e.client.EnrichBuyer(ctx, enrichapi.EnrichRequest{BuyerID: buyer.ID, Name: buyer.Name})
		return cerr
	})
	if err != nil {
		return jobs.Skipped, eris.Wrapf(err, "enrich: buyer %s", buyerID)
	}

	updated := *buyer
	updated.Criteria = resp.Criteria
	if resp.Name != "" {
		updated.Name = resp.Name
	}
	if sameBuyer(*buyer, updated) {
		log.Debug("enrich: criteria unchanged")
		return jobs.Skipped, nil
	}

	if err := e.store.UpsertBuyer(ctx, updated); err != nil {
		return jobs.Skipped, eris.Wrapf(err, "enrich: save buyer %s", buyerID)
	}
	n, err := e.queue.EnqueueForBuyer(ctx, buyerID, model.TriggerAuto)
	if err != nil {
		return jobs.Skipped, eris.Wrapf(err, "enrich: enqueue rescoring for %s", buyerID)
	}
	log.Info("enrich: buyer updated", zap.Int("enqueued", n))
	return jobs.Succeeded, nil
}

func sameBuyer(a, b model.Buyer) bool {
	if a.Name != b.Name {
		return false
	}
	x, y := a.Criteria, b.Criteria
	return slices.Equal(x.TargetGeographies, y.TargetGeographies) &&
		slices.Equal(x.ExcludedGeographies, y.ExcludedGeographies) &&
		slices.Equal(x.TargetServices, y.TargetServices) &&
		slices.Equal(x.DealBreakers, y.DealBreakers) &&
		slices.Equal(x.OwnerGoalPreferences, y.OwnerGoalPreferences) &&
		x.ThesisConfidence == y.ThesisConfidence &&
		sameFloat(x.MinRevenue, y.MinRevenue) &&
		sameFloat(x.MaxRevenue, y.MaxRevenue) &&
		sameFloat(x.MinEBITDA, y.MinEBITDA) &&
		sameFloat(x.MaxEBITDA, y.MaxEBITDA)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Runner returns a resumable job that enriches every buyer in src.
func (e *Enricher) Runner(js jobs.Store, src jobs.Source, opts jobs.Options) *jobs.Runner {
	return jobs.NewRunner(js, JobType, src, e.Buyer, opts)
}
