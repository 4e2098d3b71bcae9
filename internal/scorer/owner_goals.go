package scorer

// Owner-goal sub-scores.
const (
	ownerGoalsEqual      = 100.0
	ownerGoalsCompatible = 70.0
	ownerGoalsMismatch   = 25.0
	// ownerGoalsNeutral is used when either side states no goals. It stays
	// in the weighted average and is never reported as missing.
	ownerGoalsNeutral = 50.0
)

func (e *Engine) canonicalGoal(g string) string {
	n := normalizeToken(g)
	if c, ok := e.profile.OwnerGoalAliases[n]; ok {
		return normalizeToken(c)
	}
	return n
}

// scoreOwnerGoals returns the best pairwise compatibility between buyer
// preferences and seller goals, or the neutral score when either side is empty.
func (e *Engine) scoreOwnerGoals(prefs, goals []string) float64 {
	if len(prefs) == 0 || len(goals) == 0 {
		return ownerGoalsNeutral
	}

	best := ownerGoalsMismatch
	for _, p := range prefs {
		cp := e.canonicalGoal(p)
		for _, g := range goals {
			cg := e.canonicalGoal(g)
			switch {
			case cp != "" && cp == cg:
				return ownerGoalsEqual
			case e.profile.compatible(cp, cg):
				best = ownerGoalsCompatible
			}
		}
	}
	return best
}
