package stats

import "math"

// DefaultZ is the two-sided 95% normal quantile.
const DefaultZ = 1.96

// Interval is a Wilson score confidence interval for a binomial proportion.
type Interval struct {
	Lower     float64 `json:"lower"`
	Upper     float64 `json:"upper"`
	Center    float64 `json:"center"`
	HalfWidth float64 `json:"half_width"`
}

// Wilson computes the Wilson score interval for wins successes out of n
// trials. n may be fractional when draws count as half a win. ok is false
// when n is zero, where the interval is undefined.
func Wilson(wins, n, z float64) (Interval, bool) {
	if n <= 0 || wins < 0 || wins > n {
		return Interval{}, false
	}
	if z <= 0 {
		z = DefaultZ
	}
	p := wins / n
	z2 := z * z
	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	half := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n)) / denom
	return Interval{
		Lower:     math.Max(0, center-half),
		Upper:     math.Min(1, center+half),
		Center:    center,
		HalfWidth: half,
	}, true
}
