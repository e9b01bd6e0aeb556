package strategy

import (
	"errors"
	"fmt"
	"math"

	"riskgate/internal/domain"
	"riskgate/internal/slippage"
)

var (
	// ErrEmptyRange is returned when there are no bars to trade.
	ErrEmptyRange = errors.New("strategy: empty bar range")
	// ErrInvalidPrice is returned for bars with non-positive or non-finite
	// prices.
	ErrInvalidPrice = errors.New("strategy: invalid price")
	// ErrUnorderedBars is returned when bar timestamps do not strictly
	// increase.
	ErrUnorderedBars = errors.New("strategy: bar timestamps not increasing")
)

// Parameter names the runner reads from a ParameterSet. When absent the
// RunnerConfig defaults apply; zero disables the exit.
const (
	ParamStopLossPct   = "stop_loss_pct"
	ParamTakeProfitPct = "take_profit_pct"
)

// RunnerConfig controls position sizing, exits and execution costs.
type RunnerConfig struct {
	InitialCapital float64 `yaml:"initial_capital" json:"initial_capital"`
	// PositionFraction is the fraction of current capital committed to each
	// entry.
	PositionFraction float64 `yaml:"position_fraction" json:"position_fraction"`
	StopLossPct      float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct    float64 `yaml:"take_profit_pct" json:"take_profit_pct"`
	// ATRPeriod is the lookback of the ATR fed to the slippage model.
	ATRPeriod int             `yaml:"atr_period" json:"atr_period"`
	Slippage  slippage.Config `yaml:"slippage" json:"slippage"`
}

// DefaultRunnerConfig returns the runner defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		InitialCapital:   100000,
		PositionFraction: 0.1,
		StopLossPct:      0.02,
		TakeProfitPct:    0.04,
		ATRPeriod:        14,
		Slippage:         slippage.DefaultConfig(),
	}
}

func (c RunnerConfig) validate() error {
	if !(c.InitialCapital > 0) {
		return fmt.Errorf("strategy: initial capital must be positive, got %v", c.InitialCapital)
	}
	if !(c.PositionFraction > 0) || c.PositionFraction > 1 {
		return fmt.Errorf("strategy: position fraction must be in (0, 1], got %v", c.PositionFraction)
	}
	if c.StopLossPct < 0 || c.TakeProfitPct < 0 {
		return fmt.Errorf("strategy: stop-loss and take-profit must not be negative")
	}
	return c.Slippage.Validate()
}

// OpenPosition is a position still held when a run ends.
type OpenPosition struct {
	Side         domain.Side `json:"side"`
	EntryIndex   int         `json:"entry_index"`
	EntryPrice   float64     `json:"entry_price"`
	Qty          float64     `json:"qty"`
	UnrealizedPL float64     `json:"unrealized_pl"`
}

// RunResult is the output of one Runner pass.
type RunResult struct {
	Trades []domain.Trade
	// Equity has one point per traded bar, from StartIndex to the end.
	Equity []domain.EquityPoint
	// Open is the position left open at the end of the range, if any.
	Open         *OpenPosition
	StartIndex   int
	FinalCapital float64
}

// FinalEquity is the last equity point, or the starting capital when no bar
// was traded.
func (r *RunResult) FinalEquity(initial float64) float64 {
	if len(r.Equity) == 0 {
		return initial
	}
	return r.Equity[len(r.Equity)-1].Equity
}

// RunOption customises a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	forceClose bool
	seed       uint64
	seedSet    bool
}

// WithForceClose closes any open position at the last bar with exit reason
// end_of_window.
func WithForceClose() RunOption {
	return func(o *runOptions) { o.forceClose = true }
}

// WithSeed overrides the slippage noise seed for this run.
func WithSeed(seed uint64) RunOption {
	return func(o *runOptions) { o.seed, o.seedSet = seed, true }
}

// Runner simulates one strategy and parameter set over a bar range. A Runner
// holds only configuration and is safe for concurrent use.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg}, nil
}

// Config returns the runner configuration.
func (r *Runner) Config() RunnerConfig { return r.cfg }

// ValidateBars checks prices and timestamp ordering.
func ValidateBars(bars []domain.Bar) error {
	if len(bars) == 0 {
		return ErrEmptyRange
	}
	for i, b := range bars {
		for _, p := range [...]float64{b.Open, b.High, b.Low, b.Close} {
			if !(p > 0) || math.IsInf(p, 0) {
				return fmt.Errorf("%w: %s bar %d (%s) has price %v", ErrInvalidPrice, b.Symbol, i, b.Timestamp.Format("2006-01-02"), p)
			}
		}
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: bar %d at %s", ErrUnorderedBars, i, b.Timestamp)
		}
	}
	return nil
}

type position struct {
	side       domain.Side
	entryIndex int
	entryPrice float64 // executed
	qty        float64
	entryPct   float64
	entryCost  float64
}

func (p *position) unrealized(price float64) float64 {
	return p.side.Sign() * (price - p.entryPrice) * p.qty
}

// Run trades bars[from:] using bars[:from] only as history. Trading begins at
// max(from, warm-up). Stop-loss and take-profit are checked against each
// bar's close before the strategy is consulted; an open position is left
// open at the end unless WithForceClose is given.
func (r *Runner) Run(bars []domain.Bar, from int, s Strategy, p ParameterSet, opts ...RunOption) (*RunResult, error) {
	if err := ValidateBars(bars); err != nil {
		return nil, err
	}
	return r.run(bars, NewHistory(bars), from, s, p, opts...)
}

func (r *Runner) run(bars []domain.Bar, hist History, from int, s Strategy, p ParameterSet, opts ...RunOption) (*RunResult, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	warmup := s.Warmup(p)
	if warmup < 0 {
		warmup = 0
	}
	start := max(from, warmup)
	if from < 0 || start >= len(bars) {
		return nil, fmt.Errorf("%w: %d bars, trading from %d (warm-up %d)", ErrEmptyRange, len(bars), start, warmup)
	}

	slipCfg := r.cfg.Slippage
	if o.seedSet {
		slipCfg.Seed = o.seed
	}
	model, err := slippage.New(slipCfg)
	if err != nil {
		return nil, err
	}

	stopLoss := p.Float(ParamStopLossPct, r.cfg.StopLossPct)
	takeProfit := p.Float(ParamTakeProfitPct, r.cfg.TakeProfitPct)
	atr := ATR(hist.High, hist.Low, hist.Close, r.cfg.ATRPeriod)

	var state State
	// Prime strategy state over the history that precedes trading.
	for i := warmup; i < start; i++ {
		_, state = s.Signal(i, hist.upTo(i), p, state)
	}

	res := &RunResult{
		StartIndex: start,
		Equity:     make([]domain.EquityPoint, 0, len(bars)-start),
	}
	capital := r.cfg.InitialCapital
	var pos *position

	closePos := func(i int, reason domain.ExitReason) error {
		bar := bars[i]
		fill, err := model.Apply(bar.Close, pos.qty, pos.side.ExitOrderSide(), float64(bar.Volume), atr[i])
		if err != nil {
			return err
		}
		pnl := pos.side.Sign() * (fill.Price - pos.entryPrice) * pos.qty
		capital += pnl
		res.Trades = append(res.Trades, domain.Trade{
			Symbol:       bar.Symbol,
			Side:         pos.side,
			EntryTime:    bars[pos.entryIndex].Timestamp,
			ExitTime:     bar.Timestamp,
			EntryIndex:   pos.entryIndex,
			ExitIndex:    i,
			EntryPrice:   pos.entryPrice,
			ExitPrice:    fill.Price,
			Qty:          pos.qty,
			PnL:          pnl,
			PnLPct:       pnl / (pos.entryPrice * pos.qty),
			ExitReason:   reason,
			SlippagePct:  pos.entryPct + fill.Pct,
			SlippageCost: pos.entryCost + fill.Cost(bar.Close, pos.qty),
		})
		pos = nil
		return nil
	}

	for i := start; i < len(bars); i++ {
		bar := bars[i]
		closedThisBar := false

		if pos != nil {
			move := pos.side.Sign() * (bar.Close - pos.entryPrice) / pos.entryPrice
			switch {
			case stopLoss > 0 && move <= -stopLoss:
				if err := closePos(i, domain.ExitStopLoss); err != nil {
					return nil, err
				}
				closedThisBar = true
			case takeProfit > 0 && move >= takeProfit:
				if err := closePos(i, domain.ExitTakeProfit); err != nil {
					return nil, err
				}
				closedThisBar = true
			}
		}

		var sig Signal
		sig, state = s.Signal(i, hist.upTo(i), p, state)

		switch {
		case pos != nil && sig.Action == ActionExit:
			if err := closePos(i, domain.ExitSignal); err != nil {
				return nil, err
			}
		case pos == nil && !closedThisBar && sig.Action == ActionEnter && capital > 0:
			side := sig.Side
			if side != domain.SideShort {
				side = domain.SideLong
			}
			notional := capital * r.cfg.PositionFraction
			fill, err := model.Apply(bar.Close, notional/bar.Close, side.EntryOrderSide(), float64(bar.Volume), atr[i])
			if err != nil {
				return nil, err
			}
			qty := notional / fill.Price
			pos = &position{
				side:       side,
				entryIndex: i,
				entryPrice: fill.Price,
				qty:        qty,
				entryPct:   fill.Pct,
				entryCost:  fill.Cost(bar.Close, qty),
			}
		}

		if o.forceClose && pos != nil && i == len(bars)-1 {
			if err := closePos(i, domain.ExitEndOfWindow); err != nil {
				return nil, err
			}
		}

		equity := capital
		if pos != nil {
			equity += pos.unrealized(bar.Close)
		}
		res.Equity = append(res.Equity, domain.EquityPoint{Time: bar.Timestamp, Equity: equity})
	}

	res.FinalCapital = capital
	if pos != nil {
		last := bars[len(bars)-1]
		res.Open = &OpenPosition{
			Side:         pos.side,
			EntryIndex:   pos.entryIndex,
			EntryPrice:   pos.entryPrice,
			Qty:          pos.qty,
			UnrealizedPL: pos.unrealized(last.Close),
		}
	}
	return res, nil
}
