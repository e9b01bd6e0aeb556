package walkforward

import "math"

// RobustnessInputs are the aggregate figures the robustness score is built
// from.
type RobustnessInputs struct {
	Efficiency   float64
	WinRate      float64 // fraction
	ProfitFactor float64
	Trades       int
	MaxDrawdown  float64 // fraction
}

// RobustnessScore combines generalisation, hit rate, payoff, sample size and
// drawdown into a 0-100 score around a base of 50. The score never decreases
// as efficiency, win rate or profit factor increase with the other inputs
// held fixed.
func RobustnessScore(in RobustnessInputs) float64 {
	score := 50.0
	in.Efficiency = notNaN(in.Efficiency)
	in.WinRate = notNaN(in.WinRate)
	in.ProfitFactor = notNaN(in.ProfitFactor)

	switch e := in.Efficiency; {
	case e < 0:
		score -= 15
	case e < 0.2:
		score -= 10
	case e < 0.4:
	case e < 0.6:
		score += 5
	case e < 0.8:
		score += 10
	default:
		score += 15
	}

	switch w := in.WinRate; {
	case w < 0.3:
		score -= 10
	case w < 0.4:
		score -= 5
	case w < 0.5:
	case w < 0.6:
		score += 5
	default:
		score += 10
	}

	switch pf := in.ProfitFactor; {
	case pf < 1:
		score -= 15
	case pf < 1.2:
		score -= 5
	case pf < 1.5:
	case pf < 2:
		score += 5
	default:
		score += 10
	}

	switch n := in.Trades; {
	case n < 10:
		score -= 10
	case n < 30:
		score -= 5
	case n < 50:
	case n < 100:
		score += 5
	default:
		score += 10
	}

	switch dd := in.MaxDrawdown; {
	case dd > 0.30:
		score -= 15
	case dd > 0.20:
		score -= 10
	case dd > 0.15:
		score -= 5
	case dd > 0.10:
	default:
		score += 5
	}

	return min(max(score, 0), 100)
}

// notNaN maps NaN to 0 so it lands in a penalised band.
func notNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
