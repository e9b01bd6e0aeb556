// Package slippage models execution costs: given an order and its market
// context it returns the fraction of price lost to slippage and the
// resulting fill price.
package slippage

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"riskgate/internal/domain"
)

var (
	// ErrInvalidOrder is returned for non-positive prices or quantities.
	ErrInvalidOrder = errors.New("slippage: invalid order")
	// ErrUnknownModel is returned when Config.Model is not recognised.
	ErrUnknownModel = errors.New("slippage: unknown model")
)

// ModelKind selects how slippage is estimated.
type ModelKind string

const (
	// Fixed applies FixedPct to every order.
	Fixed ModelKind = "fixed"
	// Volume grows with order notional relative to bar notional volume.
	Volume ModelKind = "volume"
	// Volatility is proportional to ATR as a fraction of price.
	Volatility ModelKind = "volatility"
	// Adaptive takes the larger of Volume and Volatility and adds bounded
	// random microstructure noise.
	Adaptive ModelKind = "adaptive"
)

// Config parameterises a Model. All percentages are fractions (0.001 = 0.1%).
type Config struct {
	Model ModelKind `yaml:"model" json:"model"`

	// FixedPct is the flat slippage for Fixed and the base term of Volume.
	FixedPct float64 `yaml:"fixed_pct" json:"fixed_pct"`
	// ImpactFactor scales order participation (order notional / bar
	// notional) into slippage.
	ImpactFactor float64 `yaml:"impact_factor" json:"impact_factor"`
	// VolatilityFactor scales ATR/price into slippage.
	VolatilityFactor float64 `yaml:"volatility_factor" json:"volatility_factor"`

	MinPct float64 `yaml:"min_pct" json:"min_pct"`
	MaxPct float64 `yaml:"max_pct" json:"max_pct"`

	// NoiseLow and NoiseHigh bound the adaptive noise as a multiple of the
	// computed slippage.
	NoiseLow  float64 `yaml:"noise_low" json:"noise_low"`
	NoiseHigh float64 `yaml:"noise_high" json:"noise_high"`

	// Seed fixes the adaptive noise sequence. Zero seeds from the clock.
	Seed uint64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns an adaptive model clamped to [0.01%, 1%].
func DefaultConfig() Config {
	return Config{
		Model:            Adaptive,
		FixedPct:         0.0005,
		ImpactFactor:     0.1,
		VolatilityFactor: 0.1,
		MinPct:           0.0001,
		MaxPct:           0.01,
		NoiseLow:         -0.2,
		NoiseHigh:        0.3,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch c.Model {
	case Fixed, Volume, Volatility, Adaptive:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownModel, c.Model)
	}
	if c.MinPct < 0 || c.MaxPct < c.MinPct {
		return fmt.Errorf("slippage: invalid clamp band [%v, %v]", c.MinPct, c.MaxPct)
	}
	if c.NoiseHigh < c.NoiseLow {
		return fmt.Errorf("slippage: invalid noise band [%v, %v]", c.NoiseLow, c.NoiseHigh)
	}
	return nil
}

// Fill is the outcome of applying a Model to one order.
type Fill struct {
	Pct   float64 // slippage fraction, always within [MinPct, MaxPct]
	Price float64 // executed price
}

// Cost returns the currency cost of the slippage for qty units quoted at
// price.
func (f Fill) Cost(price, qty float64) float64 {
	return math.Abs(f.Price-price) * qty
}

// Model applies a Config to orders. A Model carries its own random source
// and must not be shared between goroutines; create one per run.
type Model struct {
	cfg Config
	rng *rand.Rand
}

// New validates cfg and returns a Model.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Model{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Apply estimates slippage for an order of qty units at price. barVolume is
// the bar's traded volume in units and atr its average true range; either
// may be zero when unknown. Buys fill above price and sells below it.
func (m *Model) Apply(price, qty float64, side domain.OrderSide, barVolume, atr float64) (Fill, error) {
	if !(price > 0) || !(qty > 0) || math.IsInf(price, 0) || math.IsInf(qty, 0) {
		return Fill{}, fmt.Errorf("%w: price=%v qty=%v", ErrInvalidOrder, price, qty)
	}
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		return Fill{}, fmt.Errorf("%w: side %q", ErrInvalidOrder, side)
	}

	var pct float64
	switch m.cfg.Model {
	case Fixed:
		pct = m.cfg.FixedPct
	case Volume:
		pct = m.volumePct(price, qty, barVolume)
	case Volatility:
		pct = m.volatilityPct(price, atr)
	case Adaptive:
		pct = math.Max(m.volumePct(price, qty, barVolume), m.volatilityPct(price, atr))
		noise := m.cfg.NoiseLow + m.rng.Float64()*(m.cfg.NoiseHigh-m.cfg.NoiseLow)
		pct += pct * noise
	default:
		return Fill{}, fmt.Errorf("%w: %q", ErrUnknownModel, m.cfg.Model)
	}

	pct = clamp(pct, m.cfg.MinPct, m.cfg.MaxPct)

	fill := Fill{Pct: pct}
	if side == domain.OrderSideBuy {
		fill.Price = price * (1 + pct)
	} else {
		fill.Price = price * (1 - pct)
	}
	return fill, nil
}

// volumePct charges the base rate plus impact proportional to the order's
// share of the bar's notional volume. A bar with no volume offers no
// liquidity and is charged the maximum.
func (m *Model) volumePct(price, qty, barVolume float64) float64 {
	barNotional := barVolume * price
	if barNotional <= 0 {
		return m.cfg.MaxPct
	}
	participation := price * qty / barNotional
	return m.cfg.FixedPct + m.cfg.ImpactFactor*participation
}

// volatilityPct falls back to the fixed rate when ATR is unknown.
func (m *Model) volatilityPct(price, atr float64) float64 {
	if atr <= 0 {
		return m.cfg.FixedPct
	}
	return m.cfg.VolatilityFactor * atr / price
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
