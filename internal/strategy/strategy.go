// Package strategy defines the Strategy interface, the parameter grid types,
// and the single-pass backtest Runner and grid-search Optimizer that drive
// strategies over historical bars.
package strategy

import (
	"errors"
	"fmt"
	"sort"

	"riskgate/internal/domain"
)

// ErrUnknownStrategy is returned by Registry.Lookup for unregistered names.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// Action is what a strategy asks the runner to do at a bar.
type Action int

const (
	ActionNone Action = iota
	ActionEnter
	ActionExit
)

// Signal is a strategy's decision for one bar. Side is only meaningful for
// ActionEnter.
type Signal struct {
	Action Action
	Side   domain.Side
}

// Enter returns an entry signal for side.
func Enter(side domain.Side) Signal { return Signal{Action: ActionEnter, Side: side} }

// Exit returns an exit signal.
func Exit() Signal { return Signal{Action: ActionExit} }

// None is the empty signal.
var None = Signal{}

// State is a strategy's private carry-over between bars. The runner threads
// it through successive Signal calls and never inspects it.
type State any

// History is a read-only columnar view of the bars up to and including the
// bar being evaluated. Strategies cannot see later bars.
type History struct {
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// Len returns the number of bars in the view.
func (h History) Len() int { return len(h.Close) }

// upTo returns the view truncated after bar i.
func (h History) upTo(i int) History {
	return History{
		Open:   h.Open[: i+1 : i+1],
		High:   h.High[: i+1 : i+1],
		Low:    h.Low[: i+1 : i+1],
		Close:  h.Close[: i+1 : i+1],
		Volume: h.Volume[: i+1 : i+1],
	}
}

// NewHistory builds the columnar view of bars.
func NewHistory(bars []domain.Bar) History {
	h := History{
		Open:   make([]float64, len(bars)),
		High:   make([]float64, len(bars)),
		Low:    make([]float64, len(bars)),
		Close:  make([]float64, len(bars)),
		Volume: make([]float64, len(bars)),
	}
	for i, b := range bars {
		h.Open[i] = b.Open
		h.High[i] = b.High
		h.Low[i] = b.Low
		h.Close[i] = b.Close
		h.Volume[i] = float64(b.Volume)
	}
	return h
}

// Strategy is the interface that all trading strategies must implement.
// Implementations must be pure: the signal depends only on the history,
// the parameters and the carried state.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Warmup returns the number of bars of history required before the
	// strategy can produce its first signal with parameters p.
	Warmup(p ParameterSet) int

	// Signal evaluates bar i (the last bar of h) and returns the signal and
	// the state to pass to the next call.
	Signal(i int, h History, p ParameterSet, state State) (Signal, State)
}

// GridProvider is implemented by strategies that ship a default parameter
// grid.
type GridProvider interface {
	DefaultGrid() []ParameterSpec
}

// EntryFunc is the plain-function form of an entry rule: given the bar index,
// the price columns up to that index and the parameters, it reports whether
// to enter and on which side.
type EntryFunc func(i int, opens, highs, lows, closes, volumes []float64, p ParameterSet) (bool, domain.Side)

// Func adapts an EntryFunc into a Strategy. Positions opened by a Func are
// closed only by stop-loss, take-profit or the end of a window.
type Func struct {
	ID      string
	MinBars func(p ParameterSet) int
	Entry   EntryFunc
}

var _ Strategy = (*Func)(nil)

func (f *Func) Name() string { return f.ID }

func (f *Func) Warmup(p ParameterSet) int {
	if f.MinBars == nil {
		return 0
	}
	return f.MinBars(p)
}

func (f *Func) Signal(i int, h History, p ParameterSet, state State) (Signal, State) {
	if ok, side := f.Entry(i, h.Open, h.High, h.Low, h.Close, h.Volume, p); ok {
		return Enter(side), state
	}
	return None, state
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Lookup is Get with an ErrUnknownStrategy error for missing names.
func (r *Registry) Lookup(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownStrategy, name, r.List())
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
