package model

import "time"

// ScoringVersion identifies the engine revision and the layout of the
// versioned snapshot payloads.
const ScoringVersion = "v2"

// Tier is the coarse fit bucket derived from the composite score.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
)

// Completeness grades how much input data was available to the engine.
type Completeness string

const (
	CompletenessHigh   Completeness = "high"
	CompletenessMedium Completeness = "medium"
	CompletenessLow    Completeness = "low"
)

// TriggerType records what caused a scoring computation.
type TriggerType string

const (
	TriggerManual        TriggerType = "manual"
	TriggerBulk          TriggerType = "bulk"
	TriggerAuto          TriggerType = "auto"
	TriggerRecalculation TriggerType = "recalculation"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerBulk, TriggerAuto, TriggerRecalculation:
		return true
	}
	return false
}

// FactorScores holds the per-factor sub-scores in [0,100].
type FactorScores struct {
	Geography  float64 `json:"geography_score"`
	Size       float64 `json:"size_score"`
	Service    float64 `json:"service_score"`
	OwnerGoals float64 `json:"owner_goals_score"`
}

// WeightsUsed is the versioned record of the effective weights a
// computation used.
type WeightsUsed struct {
	Version string `json:"scoring_version"`
	WeightSet
}

// MultipliersApplied is the versioned record of the learned multipliers a
// computation applied.
type MultipliersApplied struct {
	Version string `json:"scoring_version"`
	Multipliers
}

// Bonuses is the versioned record of additive adjustments to the composite.
type Bonuses struct {
	Version                 string  `json:"scoring_version"`
	ThesisBonus             float64 `json:"thesis_bonus"`
	DisqualificationPenalty float64 `json:"disqualification_penalty"`
}

// ScoreResult is the deterministic output of one engine computation.
type ScoreResult struct {
	Factors                FactorScores `json:"factors"`
	MissingFactors         []Factor     `json:"missing_factors,omitempty"`
	WeightedScore          float64      `json:"weighted_score"`
	Composite              float64      `json:"composite_score"`
	Tier                   Tier         `json:"tier"`
	DataCompleteness       Completeness `json:"data_completeness"`
	Disqualified           bool         `json:"disqualified"`
	DisqualificationReason string       `json:"disqualification_reason,omitempty"`
	Bonuses                Bonuses      `json:"bonuses"`
	ScoringVersion         string       `json:"scoring_version"`
}

// Decision overlay fields. Owned by the human-decision write path; the
// worker never writes them.
type Decision struct {
	SelectedForOutreach bool     `json:"selected_for_outreach"`
	PassedOnDeal        bool     `json:"passed_on_deal"`
	PassReason          string   `json:"pass_reason,omitempty"`
	PassCategory        string   `json:"pass_category,omitempty"`
	Interested          *bool    `json:"interested,omitempty"`
	HiddenFromDeal      bool     `json:"hidden_from_deal"`
	HumanOverrideScore  *float64 `json:"human_override_score,omitempty"`
}

// Score is the one current, mutable fit record per (buyer, deal) pair.
type Score struct {
	BuyerID          string       `json:"buyer_id"`
	DealID           string       `json:"deal_id"`
	UniverseID       string       `json:"universe_id"`
	Factors          FactorScores `json:"factors"`
	Composite        float64      `json:"composite_score"`
	Tier             Tier         `json:"tier"`
	DataCompleteness Completeness `json:"data_completeness"`
	Disqualified     bool         `json:"disqualified"`
	AlignmentScore   *float64     `json:"alignment_score,omitempty"`
	ScoringVersion   string       `json:"scoring_version"`
	Decision
	ScoredAt  time.Time `json:"scored_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScoreSnapshot is the append-only audit record of one computation. It is
// never updated after insertion.
type ScoreSnapshot struct {
	ID                     string             `json:"id"`
	Seq                    int64              `json:"seq"`
	BuyerID                string             `json:"buyer_id"`
	DealID                 string             `json:"deal_id"`
	UniverseID             string             `json:"universe_id"`
	ScoreType              ScoreType          `json:"score_type"`
	Factors                FactorScores       `json:"factors"`
	Composite              float64            `json:"composite_score"`
	Tier                   Tier               `json:"tier"`
	Disqualified           bool               `json:"disqualified"`
	DisqualificationReason string             `json:"disqualification_reason,omitempty"`
	DataCompleteness       Completeness       `json:"data_completeness"`
	WeightsUsed            WeightsUsed        `json:"weights_used"`
	MultipliersApplied     MultipliersApplied `json:"multipliers_applied"`
	BonusesApplied         Bonuses            `json:"bonuses_applied"`
	TriggerType            TriggerType        `json:"trigger_type"`
	ScoringVersion         string             `json:"scoring_version"`
	ScoredAt               time.Time          `json:"scored_at"`
}
