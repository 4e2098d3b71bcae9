package scorer

// Service sub-score shape.
const (
	serviceAnyMatchFloor      = 50.0
	serviceDealBreakerPenalty = 50.0
)

// canonicalService maps a service token to its profile synonym group, or
// its normalized form.
func (e *Engine) canonicalService(s string) string {
	n := normalizeToken(s)
	if c, ok := e.profile.serviceCanon[n]; ok {
		return c
	}
	return n
}

func (e *Engine) serviceMatches(dealSvc string, buyerSvcs []string) bool {
	d := e.canonicalService(dealSvc)
	for _, b := range buyerSvcs {
		if tokensMatch(d, e.canonicalService(b)) {
			return true
		}
	}
	return false
}

// scoreService scores coverage of the deal's services by the buyer's target
// services, penalized by deal-breakers. ok is false when either side has no
// service data.
func (e *Engine) scoreService(targets, dealBreakers, dealServices []string) (float64, bool) {
	if len(dealServices) == 0 || (len(targets) == 0 && len(dealBreakers) == 0) {
		return 0, false
	}

	score := 100.0
	if len(targets) > 0 {
		matched := 0
		for _, s := range dealServices {
			if e.serviceMatches(s, targets) {
				matched++
			}
		}
		score = 100 * float64(matched) / float64(len(dealServices))
		if matched > 0 && score < serviceAnyMatchFloor {
			score = serviceAnyMatchFloor
		}
	}

	for _, s := range dealServices {
		if e.serviceMatches(s, dealBreakers) {
			score -= serviceDealBreakerPenalty
		}
	}
	return clampScore(score), true
}
