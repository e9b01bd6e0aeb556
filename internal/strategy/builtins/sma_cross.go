// Package builtins provides built-in strategy implementations that ship with
// riskgate.
package builtins

import (
	"math"

	"riskgate/internal/domain"
	"riskgate/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Strategy     = (*SMACross)(nil)
	_ strategy.GridProvider = (*SMACross)(nil)
)

// SMACross implements a simple moving average crossover strategy. It enters
// long when the fast SMA crosses above the slow SMA and exits when it
// crosses back below.
type SMACross struct {
	fast float64
	slow float64
}

// NewSMACross creates a new SMACross strategy whose default fast and slow
// periods are used when a ParameterSet does not name them.
func NewSMACross(fast, slow int) *SMACross {
	return &SMACross{fast: float64(fast), slow: float64(slow)}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

func (s *SMACross) periods(p strategy.ParameterSet) (int, int) {
	return int(p.Float("fast", s.fast)), int(p.Float("slow", s.slow))
}

// Warmup is the slow period: one full slow average plus the previous bar
// needed to detect a cross.
func (s *SMACross) Warmup(p strategy.ParameterSet) int {
	fast, slow := s.periods(p)
	return max(fast, slow)
}

// DefaultGrid returns a small fast/slow grid.
func (s *SMACross) DefaultGrid() []strategy.ParameterSpec {
	return []strategy.ParameterSpec{
		strategy.NumericSpec("fast", 5, 10, 20),
		strategy.NumericSpec("slow", 30, 50, 100),
	}
}

// smaState carries the previous fast-minus-slow spread.
type smaState struct {
	prevSpread float64
}

// Signal detects a crossover between bar i-1 and bar i.
func (s *SMACross) Signal(i int, h strategy.History, p strategy.ParameterSet, state strategy.State) (strategy.Signal, strategy.State) {
	fast, slow := s.periods(p)
	if fast <= 0 || slow <= 0 || fast >= slow {
		return strategy.None, state
	}

	spread := strategy.SMA(h.Close, i, fast) - strategy.SMA(h.Close, i, slow)
	prev, ok := state.(smaState)
	if !ok {
		prev = smaState{prevSpread: strategy.SMA(h.Close, i-1, fast) - strategy.SMA(h.Close, i-1, slow)}
	}
	next := smaState{prevSpread: spread}
	if math.IsNaN(spread) || math.IsNaN(prev.prevSpread) {
		return strategy.None, next
	}

	switch {
	case prev.prevSpread <= 0 && spread > 0:
		return strategy.Enter(domain.SideLong), next
	case prev.prevSpread >= 0 && spread < 0:
		return strategy.Exit(), next
	}
	return strategy.None, next
}
