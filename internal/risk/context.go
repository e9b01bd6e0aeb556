package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"riskgate/internal/domain"
)

// Config groups the limits of one risk session.
type Config struct {
	Sizing      SizerConfig       `yaml:"sizing" json:"sizing"`
	Breaker     BreakerConfig     `yaml:"breaker" json:"breaker"`
	Sectors     SectorConfig      `yaml:"sectors" json:"sectors"`
	Correlation CorrelationConfig `yaml:"correlation" json:"correlation"`
}

// DefaultConfig returns default sizing and breaker limits, a 30% sector cap
// and at most two positions per correlation group.
func DefaultConfig() Config {
	return Config{
		Sizing:      DefaultSizerConfig(),
		Breaker:     DefaultBreakerConfig(),
		Sectors:     SectorConfig{MaxSectorPct: 0.30},
		Correlation: CorrelationConfig{MaxPerGroup: 2},
	}
}

// Context owns the risk components of one trading session. Independent
// sessions, including concurrent backtests, each get their own Context.
type Context struct {
	Sizer       *Sizer
	Breaker     *Breaker
	Sectors     *SectorManager
	Correlation *CorrelationManager
}

// NewContext builds every component from cfg. opts are passed to the
// breaker.
func NewContext(cfg Config, opts ...BreakerOption) (*Context, error) {
	sizer, err := NewSizer(cfg.Sizing)
	if err != nil {
		return nil, err
	}
	breaker, err := NewBreaker(cfg.Breaker, opts...)
	if err != nil {
		return nil, err
	}
	sectors, err := NewSectorManager(cfg.Sectors)
	if err != nil {
		return nil, err
	}
	corr, err := NewCorrelationManager(cfg.Correlation)
	if err != nil {
		return nil, err
	}
	return &Context{Sizer: sizer, Breaker: breaker, Sectors: sectors, Correlation: corr}, nil
}

// SizeOrder sizes an entry and scales it by the breaker's position size
// multiplier. Outside NORMAL and WARNING the result has zero shares.
func (c *Context) SizeOrder(equity, entry, stop float64, positions []domain.Position) (PositionSize, error) {
	ps, err := c.Sizer.Size(equity, entry, stop, OpenCount(positions))
	if err != nil {
		return PositionSize{}, err
	}
	return ps.Scale(c.Breaker.PositionSizeMultiplier(), entry), nil
}

// CheckExposure runs the sector and correlation checks, sector first.
func (c *Context) CheckExposure(symbol string, orderValue, equity float64, positions []domain.Position) Decision {
	if d := c.Sectors.Check(symbol, orderValue, equity, positions); !d.Allowed {
		return d
	}
	return c.Correlation.Check(symbol, positions)
}

// ExposureReport is the read-only exposure snapshot served by the API.
type ExposureReport struct {
	Equity      float64         `json:"equity"`
	Positions   int             `json:"positions"`
	Sectors     []GroupExposure `json:"sectors"`
	Correlation []GroupExposure `json:"correlation"`
}

// Exposure aggregates positions by sector and correlation group.
func (c *Context) Exposure(positions []domain.Position, equity float64) ExposureReport {
	return ExposureReport{
		Equity:      equity,
		Positions:   OpenCount(positions),
		Sectors:     c.Sectors.Report(positions, equity),
		Correlation: c.Correlation.Report(positions, equity),
	}
}

// OpenCount counts positions with a non-zero quantity.
func OpenCount(positions []domain.Position) int {
	n := 0
	for _, p := range positions {
		if p.Qty != 0 {
			n++
		}
	}
	return n
}

// Scale multiplies the share count by m (0 <= m <= 1), flooring to whole
// shares and recomputing the money fields. LimitedBy is unchanged.
func (p PositionSize) Scale(m, entry float64) PositionSize {
	if m >= 1 {
		return p
	}
	if m < 0 || math.IsNaN(m) {
		m = 0
	}
	n := int64(math.Floor(float64(p.Shares) * m))
	shares := decimal.NewFromInt(n)
	p.Shares = n
	p.PositionValue = shares.Mul(decimal.NewFromFloat(entry)).Round(2).InexactFloat64()
	p.DollarRisk = shares.Mul(decimal.NewFromFloat(p.RiskPerUnit)).Round(2).InexactFloat64()
	return p
}
