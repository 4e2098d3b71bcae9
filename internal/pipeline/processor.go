// Package pipeline turns one claimed queue item into a recorded score:
// load the pair, resolve weights, run the engine, write the snapshot.
package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/learner"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/queue"
	"github.com/sells-group/buyer-fit/internal/resilience"
	"github.com/sells-group/buyer-fit/internal/snapshot"
	"github.com/sells-group/buyer-fit/internal/store"
)

// ErrDealNotEnriched is returned while a deal carries no attributes at all.
// The item is retried so a later enrichment pass can fill them in.
var ErrDealNotEnriched = errors.New("pipeline: deal has no attributes yet")

// Store is the entity access the processor needs.
type Store interface {
	GetBuyer(ctx context.Context, id string) (*model.Buyer, error)
	GetDeal(ctx context.Context, id string) (*model.Deal, error)
}

// Weights resolves the weights a computation uses.
type Weights interface {
	EffectiveWeights(ctx context.Context, universeID, dealID string) (learner.Effective, error)
	AlignmentWeights(ctx context.Context, universeID string) (learner.Effective, error)
}

// Scorer is the scoring engine.
type Scorer interface {
	Score(c model.BuyerCriteria, a model.DealAttributes, w model.WeightSet) model.ScoreResult
}

// Recorder persists a computation.
type Recorder interface {
	Record(ctx context.Context, e snapshot.Entry) (*model.ScoreSnapshot, error)
}

// Processor implements queue.Handler.
type Processor struct {
	store    Store
	weights  Weights
	scorer   Scorer
	recorder Recorder
}

// NewProcessor creates a Processor.
func NewProcessor(s Store, w Weights, sc Scorer, r Recorder) *Processor {
	return &Processor{store: s, weights: w, scorer: sc, recorder: r}
}

var _ queue.Handler = (*Processor)(nil)

// Process scores one queue item. Unknown or malformed records fail
// permanently. Archived buyers are skipped without a snapshot.
func (p *Processor) Process(ctx context.Context, item model.QueueItem) (queue.Outcome, error) {
	log := zap.L().With(
		zap.Int64("queue_id", item.ID),
		zap.String("buyer_id", item.BuyerID),
		zap.String("deal_id", item.DealID),
	)

	if !item.ScoreType.Valid() {
		return "", resilience.NewPermanentError(eris.Errorf("pipeline: unknown score_type %q", item.ScoreType))
	}

	buyer, err := p.store.GetBuyer(ctx, item.BuyerID)
	if err != nil {
		return "", classifyLoad(err, "buyer", item.BuyerID)
	}
	if buyer.Archived {
		log.Info("pipeline: buyer archived, skipping")
		return queue.OutcomeSkipped, nil
	}
	if err := validateCriteria(buyer.Criteria); err != nil {
		return "", resilience.NewPermanentError(eris.Wrapf(err, "pipeline: buyer %s", buyer.ID))
	}

	deal, err := p.store.GetDeal(ctx, item.DealID)
	if err != nil {
		return "", classifyLoad(err, "deal", item.DealID)
	}
	if err := validateAttributes(deal.Attributes); err != nil {
		return "", err
	}

	var eff learner.Effective
	if item.ScoreType == model.ScoreTypeAlignment {
		eff, err = p.weights.AlignmentWeights(ctx, item.UniverseID)
	} else {
		eff, err = p.weights.EffectiveWeights(ctx, item.UniverseID, item.DealID)
	}
	if err != nil {
		return "", classifyLoad(err, "universe", item.UniverseID)
	}

	res := p.scorer.Score(buyer.Criteria, deal.Attributes, eff.Weights)

	snap, err := p.recorder.Record(ctx, snapshot.Entry{
		UniverseID:  item.UniverseID,
		BuyerID:     item.BuyerID,
		DealID:      item.DealID,
		ScoreType:   item.ScoreType,
		Result:      res,
		Weights:     eff.Weights,
		Multipliers: eff.Multipliers,
		TriggerType: item.TriggerType,
	})
	if err != nil {
		return "", err
	}

	log.Debug("pipeline: scored",
		zap.String("score_type", string(item.ScoreType)),
		zap.Float64("composite", snap.Composite),
		zap.String("tier", string(snap.Tier)),
		zap.String("completeness", string(snap.DataCompleteness)),
		zap.Bool("disqualified", snap.Disqualified),
	)
	return queue.OutcomeScored, nil
}

// classifyLoad marks missing records permanent; anything else is left
// transient.
func classifyLoad(err error, entity, id string) error {
	wrapped := eris.Wrapf(err, "pipeline: load %s %s", entity, id)
	if errors.Is(err, store.ErrNotFound) {
		return resilience.NewPermanentError(wrapped)
	}
	return wrapped
}

func validateCriteria(c model.BuyerCriteria) error {
	if err := validateBand("revenue", c.MinRevenue, c.MaxRevenue); err != nil {
		return err
	}
	return validateBand("ebitda", c.MinEBITDA, c.MaxEBITDA)
}

func validateBand(name string, lo, hi *float64) error {
	if lo != nil && hi != nil && *lo > *hi {
		return eris.Errorf("malformed criteria: min_%s %.0f exceeds max_%s %.0f", name, *lo, name, *hi)
	}
	return nil
}

func validateAttributes(a model.DealAttributes) error {
	if a.Location == "" && a.Revenue == nil && a.EBITDA == nil && len(a.Services) == 0 && len(a.OwnerGoals) == 0 {
		return resilience.NewTransientError(ErrDealNotEnriched, 0)
	}
	if a.Revenue != nil && *a.Revenue < 0 {
		return resilience.NewPermanentError(eris.New("pipeline: malformed deal attributes: negative revenue"))
	}
	return nil
}
