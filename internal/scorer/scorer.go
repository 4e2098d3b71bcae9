package scorer

import (
	"math"
	"strings"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/model"
)

// Tier thresholds on the composite score.
const (
	tierAMin = 80.0
	tierBMin = 65.0
	tierCMin = 50.0
)

// serviceBonusGate is the service sub-score the thesis bonus requires.
const serviceBonusGate = 50.0

// Engine computes fit scores. It holds only read-only configuration and is
// safe for concurrent use.
type Engine struct {
	cfg     config.ScorerConfig
	profile *Profile
}

// New creates an Engine. A nil profile uses DefaultProfile.
func New(cfg config.ScorerConfig, profile *Profile) *Engine {
	if profile == nil {
		profile = DefaultProfile()
	}
	if cfg.SizeTolerance <= 0 {
		cfg.SizeTolerance = DefaultScorerConfig().SizeTolerance
	}
	if cfg.ThesisBonus == nil {
		cfg.ThesisBonus = DefaultScorerConfig().ThesisBonus
	}
	return &Engine{cfg: cfg, profile: profile}
}

// Score computes the fit of a deal for a buyer under the given effective
// weights. It is a pure function of its inputs.
func (e *Engine) Score(c model.BuyerCriteria, a model.DealAttributes, w model.WeightSet) model.ScoreResult {
	res := model.ScoreResult{ScoringVersion: model.ScoringVersion}

	var weighted, applicable float64
	add := func(f model.Factor, s float64) {
		weighted += w.Get(f) * s
		applicable += w.Get(f)
	}

	geo, ok, dq, reason := e.scoreGeography(c.TargetGeographies, c.ExcludedGeographies, a.Location)
	if ok {
		res.Factors.Geography = geo
		add(model.FactorGeography, geo)
	} else {
		res.MissingFactors = append(res.MissingFactors, model.FactorGeography)
	}
	res.Disqualified = dq
	res.DisqualificationReason = reason

	if size, ok := scoreSize(a.Revenue, c.MinRevenue, c.MaxRevenue, a.EBITDA, c.MinEBITDA, c.MaxEBITDA, e.cfg.SizeTolerance); ok {
		res.Factors.Size = size
		add(model.FactorSize, size)
	} else {
		res.MissingFactors = append(res.MissingFactors, model.FactorSize)
	}

	svc, svcOK := e.scoreService(c.TargetServices, c.DealBreakers, a.Services)
	if svcOK {
		res.Factors.Service = svc
		add(model.FactorService, svc)
	} else {
		res.MissingFactors = append(res.MissingFactors, model.FactorService)
	}

	// Owner goals always contribute. The neutral fallback counts as scored,
	// so it never lowers completeness.
	goals := e.scoreOwnerGoals(c.OwnerGoalPreferences, a.OwnerGoals)
	res.Factors.OwnerGoals = goals
	add(model.FactorOwnerGoals, goals)

	if applicable > 0 {
		res.WeightedScore = weighted / applicable
	}

	res.Bonuses = model.Bonuses{Version: model.ScoringVersion}
	if svcOK && svc >= serviceBonusGate {
		res.Bonuses.ThesisBonus = e.thesisBonus(c.ThesisConfidence)
	}
	if res.Disqualified {
		res.Bonuses.DisqualificationPenalty = e.cfg.DisqualificationPenalty
	}

	res.Composite = round2(clampScore(res.WeightedScore + res.Bonuses.ThesisBonus - res.Bonuses.DisqualificationPenalty))
	res.Tier = TierFor(res.Composite)
	if res.Disqualified {
		res.Tier = model.TierD
	}
	res.DataCompleteness = CompletenessFor(len(res.MissingFactors))
	return res
}

func (e *Engine) thesisBonus(grade string) float64 {
	b := e.cfg.ThesisBonus[strings.ToLower(strings.TrimSpace(grade))]
	limit := e.cfg.MaxThesisBonus
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	return math.Min(math.Max(b, 0), limit)
}

// TierFor maps a composite score to its tier.
func TierFor(composite float64) model.Tier {
	switch {
	case composite >= tierAMin:
		return model.TierA
	case composite >= tierBMin:
		return model.TierB
	case composite >= tierCMin:
		return model.TierC
	default:
		return model.TierD
	}
}

// CompletenessFor grades data completeness from the number of factors that
// dropped out of the weighted average.
func CompletenessFor(missing int) model.Completeness {
	switch {
	case missing == 0:
		return model.CompletenessHigh
	case missing == 1:
		return model.CompletenessMedium
	default:
		return model.CompletenessLow
	}
}

func clampScore(v float64) float64 {
	return math.Min(math.Max(v, 0), 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
