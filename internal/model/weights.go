package model

import "time"

// Factor names a scoring factor.
type Factor string

const (
	FactorGeography  Factor = "geography"
	FactorSize       Factor = "size"
	FactorService    Factor = "services"
	FactorOwnerGoals Factor = "owner_goals"
)

// Factors lists every factor in a stable order.
var Factors = []Factor{FactorGeography, FactorSize, FactorService, FactorOwnerGoals}

// WeightSet holds one positive weight per factor. Weights need not sum to 1;
// scoring normalizes by the applicable weight sum.
type WeightSet struct {
	Geography  float64 `json:"geography_weight" yaml:"geography_weight" mapstructure:"geography_weight"`
	Size       float64 `json:"size_weight" yaml:"size_weight" mapstructure:"size_weight"`
	Service    float64 `json:"service_weight" yaml:"service_weight" mapstructure:"service_weight"`
	OwnerGoals float64 `json:"owner_goals_weight" yaml:"owner_goals_weight" mapstructure:"owner_goals_weight"`
}

// Get returns the weight for a factor.
func (w WeightSet) Get(f Factor) float64 {
	switch f {
	case FactorGeography:
		return w.Geography
	case FactorSize:
		return w.Size
	case FactorService:
		return w.Service
	case FactorOwnerGoals:
		return w.OwnerGoals
	default:
		return 0
	}
}

// Apply returns the weights scaled by the multipliers. Owner goals are not
// learnable and pass through unchanged.
func (w WeightSet) Apply(m Multipliers) WeightSet {
	return WeightSet{
		Geography:  w.Geography * m.Geography,
		Size:       w.Size * m.Size,
		Service:    w.Service * m.Services,
		OwnerGoals: w.OwnerGoals,
	}
}

// DefaultWeights are used when a universe carries no weight configuration.
func DefaultWeights() WeightSet {
	return WeightSet{Geography: 35, Size: 25, Service: 25, OwnerGoals: 15}
}

// Multiplier bounds. A factor can never be learned to zero or grow without limit.
const (
	MinMultiplier = 0.2
	MaxMultiplier = 3.0
)

// Multipliers holds the learned per-factor weight multipliers for a deal.
type Multipliers struct {
	Geography float64 `json:"geography_weight_mult"`
	Size      float64 `json:"size_weight_mult"`
	Services  float64 `json:"services_weight_mult"`
}

// NeutralMultipliers returns multipliers that leave weights unchanged.
func NeutralMultipliers() Multipliers {
	return Multipliers{Geography: 1, Size: 1, Services: 1}
}

// Clamp bounds every multiplier to [lo, hi].
func (m Multipliers) Clamp(lo, hi float64) Multipliers {
	return Multipliers{
		Geography: clamp(m.Geography, lo, hi),
		Size:      clamp(m.Size, lo, hi),
		Services:  clamp(m.Services, lo, hi),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScoringAdjustment is the per-deal learned state. Created lazily on first
// scoring of a deal and mutated only by the learner.
type ScoringAdjustment struct {
	DealID           string      `json:"deal_id"`
	Multipliers      Multipliers `json:"multipliers"`
	ApprovedCount    int         `json:"approved_count"`
	RejectedCount    int         `json:"rejected_count"`
	PassedGeography  int         `json:"passed_geography"`
	PassedSize       int         `json:"passed_size"`
	PassedServices   int         `json:"passed_services"`
	LastCalculatedAt *time.Time  `json:"last_calculated_at,omitempty"`
}

// NewScoringAdjustment returns the default adjustment for a deal.
func NewScoringAdjustment(dealID string) ScoringAdjustment {
	return ScoringAdjustment{DealID: dealID, Multipliers: NeutralMultipliers()}
}
