// Package risk implements the live risk controls: position sizing, the
// drawdown circuit breaker, and sector and correlation exposure limits.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput is returned for non-positive or non-finite sizing
	// inputs.
	ErrInvalidInput = errors.New("risk: invalid input")
	// ErrNotResumable is returned by Resume when the breaker is not halted.
	ErrNotResumable = errors.New("risk: breaker is not manually halted")
)

// LimitedBy names the constraint that bound a position size.
type LimitedBy string

const (
	LimitedByRisk                LimitedBy = "risk"
	LimitedByMaxPosition         LimitedBy = "max_position"
	LimitedByRemainingAllocation LimitedBy = "remaining_allocation"
)

// SizerConfig holds the sizing limits. Percentages are fractions.
type SizerConfig struct {
	RiskPerTradePct float64 `yaml:"risk_per_trade_pct" json:"risk_per_trade_pct"`
	MaxPositionPct  float64 `yaml:"max_position_pct" json:"max_position_pct"`
	// DefaultStopPct is the stop distance used when entry equals stop.
	DefaultStopPct float64 `yaml:"default_stop_pct" json:"default_stop_pct"`
	ATRMultiplier  float64 `yaml:"atr_multiplier" json:"atr_multiplier"`
	// MinAllocation floors the remaining-allocation factor.
	MinAllocation float64 `yaml:"min_allocation" json:"min_allocation"`
}

// DefaultSizerConfig risks 2% per trade with positions capped at 10%.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		RiskPerTradePct: 0.02,
		MaxPositionPct:  0.10,
		DefaultStopPct:  0.02,
		ATRMultiplier:   2,
		MinAllocation:   0.1,
	}
}

// Validate reports configuration errors.
func (c SizerConfig) Validate() error {
	for name, v := range map[string]float64{
		"risk_per_trade_pct": c.RiskPerTradePct,
		"max_position_pct":   c.MaxPositionPct,
		"default_stop_pct":   c.DefaultStopPct,
		"atr_multiplier":     c.ATRMultiplier,
	} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("risk: sizer %s must be positive, got %v", name, v)
		}
	}
	if c.MinAllocation < 0 || c.MinAllocation > 1 {
		return fmt.Errorf("risk: sizer min_allocation must be in [0, 1], got %v", c.MinAllocation)
	}
	return nil
}

// PositionSize is the outcome of a sizing request. Money fields are rounded
// to cents.
type PositionSize struct {
	Shares        int64     `json:"shares"`
	PositionValue float64   `json:"position_value"`
	DollarRisk    float64   `json:"dollar_risk"`
	RiskPerUnit   float64   `json:"risk_per_unit"`
	LimitedBy     LimitedBy `json:"limited_by"`
}

// Sizer converts account equity and trade geometry into a share count. It
// holds no state.
type Sizer struct {
	cfg SizerConfig
}

// NewSizer validates cfg and returns a Sizer.
func NewSizer(cfg SizerConfig) (*Sizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sizer{cfg: cfg}, nil
}

// Config returns the sizer limits.
func (s *Sizer) Config() SizerConfig { return s.cfg }

// Size computes shares from the stop distance |entry - stop|, falling back
// to DefaultStopPct of entry when the two are equal.
func (s *Sizer) Size(equity, entry, stop float64, openPositions int) (PositionSize, error) {
	if err := positive("equity", equity); err != nil {
		return PositionSize{}, err
	}
	if err := positive("entry", entry); err != nil {
		return PositionSize{}, err
	}
	if err := positive("stop", stop); err != nil {
		return PositionSize{}, err
	}
	if openPositions < 0 {
		return PositionSize{}, fmt.Errorf("%w: open positions %d", ErrInvalidInput, openPositions)
	}

	riskPerUnit := math.Abs(entry - stop)
	if riskPerUnit == 0 {
		riskPerUnit = entry * s.cfg.DefaultStopPct
	}
	return s.size(equity, entry, riskPerUnit, openPositions), nil
}

// SizeATR sizes with a stop distance of atr * ATRMultiplier, for use before
// a stop price is chosen.
func (s *Sizer) SizeATR(equity, entry, atr float64, openPositions int) (PositionSize, error) {
	if err := positive("equity", equity); err != nil {
		return PositionSize{}, err
	}
	if err := positive("entry", entry); err != nil {
		return PositionSize{}, err
	}
	if err := positive("atr", atr); err != nil {
		return PositionSize{}, err
	}
	if openPositions < 0 {
		return PositionSize{}, fmt.Errorf("%w: open positions %d", ErrInvalidInput, openPositions)
	}
	return s.size(equity, entry, atr*s.cfg.ATRMultiplier, openPositions), nil
}

func (s *Sizer) size(equity, entry, riskPerUnit float64, openPositions int) PositionSize {
	budget := equity * s.cfg.RiskPerTradePct
	shares := budget / riskPerUnit
	limited := LimitedByRisk

	if maxShares := equity * s.cfg.MaxPositionPct / entry; maxShares < shares {
		shares = maxShares
		limited = LimitedByMaxPosition
	}
	allocation := math.Max(s.cfg.MinAllocation, 1-float64(openPositions)*s.cfg.MaxPositionPct)
	if remShares := equity * allocation / entry; remShares < shares {
		shares = remShares
		limited = LimitedByRemainingAllocation
	}

	n := int64(math.Floor(shares))
	if n < 0 {
		n = 0
	}
	value := decimal.NewFromInt(n).Mul(decimal.NewFromFloat(entry))
	risk := decimal.NewFromInt(n).Mul(decimal.NewFromFloat(riskPerUnit))
	return PositionSize{
		Shares:        n,
		PositionValue: value.Round(2).InexactFloat64(),
		DollarRisk:    risk.Round(2).InexactFloat64(),
		RiskPerUnit:   decimal.NewFromFloat(riskPerUnit).Round(4).InexactFloat64(),
		LimitedBy:     limited,
	}
}

func positive(name string, v float64) error {
	if !(v > 0) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidInput, name, v)
	}
	return nil
}
