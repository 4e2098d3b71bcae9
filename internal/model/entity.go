package model

import "time"

// BuyerCriteria holds a buyer's structured acquisition criteria as produced
// by intake and enrichment.
type BuyerCriteria struct {
	TargetGeographies    []string `json:"target_geographies,omitempty"`
	ExcludedGeographies  []string `json:"excluded_geographies,omitempty"`
	MinRevenue           *float64 `json:"min_revenue,omitempty"`
	MaxRevenue           *float64 `json:"max_revenue,omitempty"`
	MinEBITDA            *float64 `json:"min_ebitda,omitempty"`
	MaxEBITDA            *float64 `json:"max_ebitda,omitempty"`
	TargetServices       []string `json:"target_services,omitempty"`
	DealBreakers         []string `json:"deal_breakers,omitempty"`
	OwnerGoalPreferences []string `json:"owner_goal_preferences,omitempty"`
	ThesisConfidence     string   `json:"thesis_confidence,omitempty"` // "high", "medium", "low" or ""
}

// Buyer is a prospective acquirer. Read-only to the scoring subsystem.
type Buyer struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Criteria  BuyerCriteria `json:"criteria"`
	Archived  bool          `json:"archived"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DealAttributes holds the enriched attributes of a sale opportunity.
type DealAttributes struct {
	Location   string   `json:"location,omitempty"` // two-letter state code
	Revenue    *float64 `json:"revenue,omitempty"`
	EBITDA     *float64 `json:"ebitda,omitempty"`
	Services   []string `json:"services,omitempty"`
	OwnerGoals []string `json:"owner_goals,omitempty"`
}

// Deal is a sale-side opportunity. Read-only to the scoring subsystem.
type Deal struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Attributes DealAttributes `json:"attributes"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Universe binds a buyer set and a deal set to a base weight configuration.
type Universe struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Weights   WeightSet `json:"weights"`
	BuyerIDs  []string  `json:"buyer_ids,omitempty"`
	DealIDs   []string  `json:"deal_ids,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 { return &v }
