package builtins

import (
	"riskgate/internal/domain"
	"riskgate/internal/strategy"
)

var (
	_ strategy.Strategy     = (*Breakout)(nil)
	_ strategy.GridProvider = (*Breakout)(nil)
)

// Breakout is a channel breakout strategy. It enters in the direction of a
// close beyond the prior "entry" bar high or low and exits when price closes
// back through the opposite "exit" channel. The "direction" parameter is
// "long" or "both".
type Breakout struct{}

// NewBreakout returns a Breakout strategy.
func NewBreakout() *Breakout { return &Breakout{} }

// Name returns "breakout".
func (b *Breakout) Name() string { return "breakout" }

func (b *Breakout) Warmup(p strategy.ParameterSet) int {
	return max(p.Int("entry", 20), p.Int("exit", 10))
}

func (b *Breakout) DefaultGrid() []strategy.ParameterSpec {
	return []strategy.ParameterSpec{
		strategy.NumericSpec("entry", 20, 55),
		strategy.NumericSpec("exit", 10, 20),
		strategy.CategoricalSpec("direction", "long", "both"),
	}
}

// breakoutState remembers the side of the position the strategy believes is
// open so it knows which exit channel to watch.
type breakoutState struct {
	side domain.Side
}

func (b *Breakout) Signal(i int, h strategy.History, p strategy.ParameterSet, state strategy.State) (strategy.Signal, strategy.State) {
	entry, exit := p.Int("entry", 20), p.Int("exit", 10)
	allowShort := p.Category("direction", "long") == "both"
	st, _ := state.(breakoutState)
	c := h.Close[i]

	switch st.side {
	case domain.SideLong:
		if c < strategy.Lowest(h.Low, i, exit) {
			return strategy.Exit(), breakoutState{}
		}
		return strategy.None, st
	case domain.SideShort:
		if c > strategy.Highest(h.High, i, exit) {
			return strategy.Exit(), breakoutState{}
		}
		return strategy.None, st
	}

	if c > strategy.Highest(h.High, i, entry) {
		return strategy.Enter(domain.SideLong), breakoutState{side: domain.SideLong}
	}
	if allowShort && c < strategy.Lowest(h.Low, i, entry) {
		return strategy.Enter(domain.SideShort), breakoutState{side: domain.SideShort}
	}
	return strategy.None, st
}
