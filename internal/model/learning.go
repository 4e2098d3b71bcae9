package model

import "time"

// DecisionAction is a human decision on a (buyer, deal) pair.
type DecisionAction string

const (
	ActionApproved DecisionAction = "approved"
	ActionPassed   DecisionAction = "passed"
	ActionHidden   DecisionAction = "hidden"
)

// Valid reports whether a is a known action.
func (a DecisionAction) Valid() bool {
	return a == ActionApproved || a == ActionPassed || a == ActionHidden
}

// Rejection categories that map onto learnable factors. Other categories are
// recorded but do not move any multiplier.
const (
	RejectGeography = "geography"
	RejectSize      = "size"
	RejectServices  = "services"
)

// LearningEntry is an append-only record of one human decision.
type LearningEntry struct {
	ID                  string         `json:"id"`
	BuyerID             string         `json:"buyer_id"`
	DealID              string         `json:"deal_id"`
	Action              DecisionAction `json:"action_type"`
	RejectionCategories []string       `json:"rejection_categories,omitempty"`
	RejectionReason     string         `json:"rejection_reason,omitempty"`
	DealContext         DealAttributes `json:"deal_context"`
	CreatedAt           time.Time      `json:"created_at"`
}

// DecisionRequest is the input of the human decision write path.
type DecisionRequest struct {
	BuyerID  string         `json:"buyer_id"`
	DealID   string         `json:"deal_id"`
	Action   DecisionAction `json:"action"`
	Reason   string         `json:"reason,omitempty"`
	Category string         `json:"category,omitempty"`
}
