package scorer

import "math"

// Size sub-score shape.
const (
	sizeCenterScore  = 100.0
	sizeEdgeDrop     = 20.0 // score lost between band center and band edge
	sizeOutsideScore = 60.0 // score just outside the band, decays to 0 at tolerance
)

// scoreBand scores one value against a [min, max] band. A nil bound is
// open. ok is false when the value or both bounds are absent.
func scoreBand(x, lo, hi *float64, tolerance float64) (float64, bool) {
	if x == nil || (lo == nil && hi == nil) {
		return 0, false
	}
	v := *x

	var dist float64
	switch {
	case lo != nil && v < *lo:
		dist = (*lo - v) / math.Max(math.Abs(*lo), 1)
	case hi != nil && v > *hi:
		dist = (v - *hi) / math.Max(math.Abs(*hi), 1)
	default:
		if lo == nil || hi == nil {
			return sizeCenterScore, true
		}
		half := (*hi - *lo) / 2
		if half <= 0 {
			return sizeCenterScore, true
		}
		center := *lo + half
		return sizeCenterScore - sizeEdgeDrop*math.Abs(v-center)/half, true
	}

	if tolerance <= 0 || dist >= tolerance {
		return 0, true
	}
	return sizeOutsideScore * (1 - dist/tolerance), true
}

// scoreSize averages the revenue and EBITDA band sub-scores that have data.
func scoreSize(revenue, minRev, maxRev, ebitda, minEBITDA, maxEBITDA *float64, tolerance float64) (float64, bool) {
	var sum float64
	var n int
	if s, ok := scoreBand(revenue, minRev, maxRev, tolerance); ok {
		sum += s
		n++
	}
	if s, ok := scoreBand(ebitda, minEBITDA, maxEBITDA, tolerance); ok {
		sum += s
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
