package hedge

import "math"

// RoundDownToIncrement floors value to a venue's size increment. The
// two venues' increments differ, so the two legs of one hedge may
// legitimately round to slightly different quantities.
func RoundDownToIncrement(value, increment float64) float64 {
	if increment <= 0 {
		return value
	}
	steps := math.Floor(value/increment + 1e-9)
	if steps < 0 {
		steps = 0
	}
	return steps * increment
}

// NotionalDeviationPct measures how far an achieved notional landed
// from the target, as a percentage of the target.
func NotionalDeviationPct(target, actual float64) float64 {
	if target <= 0 {
		return 0
	}
	return math.Abs(actual-target) / target * 100
}
