// Package learner folds human approve/pass/hide decisions into per-deal
// weight multipliers and supplies the effective weights used for scoring.
package learner

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/metrics"
	"github.com/sells-group/buyer-fit/internal/model"
)

// Store is the persistence the learner needs.
type Store interface {
	GetUniverse(ctx context.Context, id string) (*model.Universe, error)
	EnsureAdjustment(ctx context.Context, dealID string) (*model.ScoringAdjustment, error)
	SaveAdjustment(ctx context.Context, adj model.ScoringAdjustment) error
	ListLearning(ctx context.Context, dealID string) ([]model.LearningEntry, error)
}

// Effective describes the weights one computation will use.
type Effective struct {
	Base        model.WeightSet
	Multipliers model.Multipliers
	Weights     model.WeightSet
}

// Learner computes and stores scoring adjustments.
type Learner struct {
	cfg   config.LearnerConfig
	store Store
	now   func() time.Time
}

// New creates a Learner. Zero config fields fall back to the defaults.
func New(cfg config.LearnerConfig, s Store) *Learner {
	return &Learner{cfg: withDefaults(cfg), store: s, now: time.Now}
}

// DefaultConfig returns the standard learning policy.
func DefaultConfig() config.LearnerConfig {
	return config.LearnerConfig{
		MinMultiplier: model.MinMultiplier,
		MaxMultiplier: model.MaxMultiplier,
		UpRate:        2.0,
		DownRate:      0.5,
		MinSamples:    5,
	}
}

func withDefaults(cfg config.LearnerConfig) config.LearnerConfig {
	d := DefaultConfig()
	if cfg.MinMultiplier <= 0 {
		cfg.MinMultiplier = d.MinMultiplier
	}
	if cfg.MaxMultiplier <= cfg.MinMultiplier {
		cfg.MaxMultiplier = d.MaxMultiplier
	}
	if cfg.UpRate <= 0 {
		cfg.UpRate = d.UpRate
	}
	if cfg.DownRate <= 0 {
		cfg.DownRate = d.DownRate
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = d.MinSamples
	}
	return cfg
}

// BaseWeights returns the universe's base weights, or the defaults when the
// universe carries none.
func (l *Learner) BaseWeights(ctx context.Context, universeID string) (model.WeightSet, error) {
	u, err := l.store.GetUniverse(ctx, universeID)
	if err != nil {
		return model.WeightSet{}, eris.Wrapf(err, "learner: load universe %s", universeID)
	}
	if u.Weights == (model.WeightSet{}) {
		return model.DefaultWeights(), nil
	}
	return u.Weights, nil
}

// EffectiveWeights returns base weights scaled by the deal's multipliers. The
// deal's adjustment is created on first use.
func (l *Learner) EffectiveWeights(ctx context.Context, universeID, dealID string) (Effective, error) {
	base, err := l.BaseWeights(ctx, universeID)
	if err != nil {
		return Effective{}, err
	}
	adj, err := l.store.EnsureAdjustment(ctx, dealID)
	if err != nil {
		return Effective{}, eris.Wrapf(err, "learner: adjustment for deal %s", dealID)
	}
	m := adj.Multipliers.Clamp(l.cfg.MinMultiplier, l.cfg.MaxMultiplier)
	return Effective{Base: base, Multipliers: m, Weights: base.Apply(m)}, nil
}

// AlignmentWeights returns the universe's base weights with neutral
// multipliers.
func (l *Learner) AlignmentWeights(ctx context.Context, universeID string) (Effective, error) {
	base, err := l.BaseWeights(ctx, universeID)
	if err != nil {
		return Effective{}, err
	}
	return Effective{Base: base, Multipliers: model.NeutralMultipliers(), Weights: base}, nil
}

// Recalculate recomputes the deal's multipliers from its full decision
// history and stores them. Running it twice on the same history yields the
// same multipliers.
func (l *Learner) Recalculate(ctx context.Context, dealID string) (*model.ScoringAdjustment, error) {
	entries, err := l.store.ListLearning(ctx, dealID)
	if err != nil {
		return nil, eris.Wrapf(err, "learner: history for deal %s", dealID)
	}

	adj := ComputeAdjustment(dealID, entries, l.cfg)
	now := l.now().UTC()
	adj.LastCalculatedAt = &now

	if err := l.store.SaveAdjustment(ctx, adj); err != nil {
		return nil, eris.Wrapf(err, "learner: save adjustment for deal %s", dealID)
	}
	metrics.LearnerRecalculations.Inc()

	zap.L().Info("learner: recalculated multipliers",
		zap.String("deal_id", dealID),
		zap.Int("entries", len(entries)),
		zap.Float64("geography_mult", adj.Multipliers.Geography),
		zap.Float64("size_mult", adj.Multipliers.Size),
		zap.Float64("services_mult", adj.Multipliers.Services),
	)
	return &adj, nil
}

// ComputeAdjustment derives counters and multipliers from a decision
// history. It is a pure function of its inputs.
func ComputeAdjustment(dealID string, entries []model.LearningEntry, cfg config.LearnerConfig) model.ScoringAdjustment {
	cfg = withDefaults(cfg)
	adj := model.NewScoringAdjustment(dealID)

	for _, e := range entries {
		switch e.Action {
		case model.ActionApproved:
			adj.ApprovedCount++
		case model.ActionPassed:
			adj.RejectedCount++
			seen := map[string]bool{}
			for _, c := range e.RejectionCategories {
				if seen[c] {
					continue
				}
				seen[c] = true
				switch c {
				case model.RejectGeography:
					adj.PassedGeography++
				case model.RejectSize:
					adj.PassedSize++
				case model.RejectServices:
					adj.PassedServices++
				}
			}
		case model.ActionHidden:
			adj.RejectedCount++
		}
	}

	adj.Multipliers = model.Multipliers{
		Geography: multiplier(adj.ApprovedCount, adj.PassedGeography, cfg),
		Size:      multiplier(adj.ApprovedCount, adj.PassedSize, cfg),
		Services:  multiplier(adj.ApprovedCount, adj.PassedServices, cfg),
	}
	return adj
}

// multiplier moves away from 1.0 in proportion to the imbalance between
// approvals and factor-specific passes, scaled by sample confidence.
func multiplier(approved, passed int, cfg config.LearnerConfig) float64 {
	total := approved + passed
	if total == 0 {
		return 1.0
	}
	imbalance := float64(passed-approved) / float64(total)
	confidence := math.Min(1, float64(total)/float64(cfg.MinSamples))
	rate := cfg.DownRate
	if imbalance > 0 {
		rate = cfg.UpRate
	}
	m := 1 + rate*imbalance*confidence
	return math.Max(cfg.MinMultiplier, math.Min(cfg.MaxMultiplier, m))
}
