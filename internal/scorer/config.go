// Package scorer implements the deterministic buyer/deal fit-scoring engine.
package scorer

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/model"
)

// DefaultScorerConfig returns a config.ScorerConfig with the production
// defaults.
func DefaultScorerConfig() config.ScorerConfig {
	return config.ScorerConfig{
		SizeTolerance:           0.25,
		DisqualificationPenalty: 0,
		ThesisBonus: map[string]float64{
			"high":   10,
			"medium": 5,
			"low":    0,
		},
		MaxThesisBonus: 50,
	}
}

// ValidateConfig checks that a ScorerConfig is internally consistent.
func ValidateConfig(c config.ScorerConfig) error {
	var errs []string

	if c.SizeTolerance <= 0 {
		errs = append(errs, "size_tolerance must be > 0")
	}
	if c.DisqualificationPenalty < 0 || c.DisqualificationPenalty > 100 {
		errs = append(errs, "disqualification_penalty must be between 0 and 100")
	}
	if c.MaxThesisBonus < 0 || c.MaxThesisBonus > 50 {
		errs = append(errs, "max_thesis_bonus must be between 0 and 50")
	}
	for grade, b := range c.ThesisBonus {
		if b < 0 {
			errs = append(errs, fmt.Sprintf("thesis_bonus.%s must be >= 0", grade))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateWeights checks a universe weight set: every weight non-negative and
// at least one positive.
func ValidateWeights(w model.WeightSet) error {
	var errs []string
	var sum float64
	for _, f := range model.Factors {
		v := w.Get(f)
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s weight must be >= 0", f))
		}
		sum += v
	}
	if sum <= 0 {
		errs = append(errs, "weight sum must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: invalid weights: %s", strings.Join(errs, "; "))
	}
	return nil
}
