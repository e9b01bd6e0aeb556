package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"riskgate/internal/domain"
)

// UnknownSector is the bucket for symbols with no sector mapping. The
// sector limit applies to it like any other sector.
const UnknownSector = "UNKNOWN"

// Decision is the verdict of an exposure check. A denied Decision carries a
// human-readable reason.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// GroupExposure is the aggregated exposure of one sector or correlation
// group.
type GroupExposure struct {
	Group   string   `json:"group"`
	Symbols []string `json:"symbols"`
	Count   int      `json:"count"`
	Value   float64  `json:"value"`
	Pct     float64  `json:"pct"`
}

// ---------------------------------------------------------------------------
// Sector exposure
// ---------------------------------------------------------------------------

// SectorConfig maps symbols to sectors and bounds each sector's share of
// equity.
type SectorConfig struct {
	Symbols      map[string]string `yaml:"symbols" json:"symbols"`
	MaxSectorPct float64           `yaml:"max_sector_pct" json:"max_sector_pct"`
}

// SectorManager enforces the per-sector exposure limit. It is read-only
// after construction.
type SectorManager struct {
	sectors map[string]string
	maxPct  float64
}

// NewSectorManager returns a SectorManager. A zero MaxSectorPct disables
// the limit.
func NewSectorManager(cfg SectorConfig) (*SectorManager, error) {
	if cfg.MaxSectorPct < 0 || cfg.MaxSectorPct > 1 || math.IsNaN(cfg.MaxSectorPct) {
		return nil, fmt.Errorf("risk: max_sector_pct must be in [0, 1], got %v", cfg.MaxSectorPct)
	}
	m := &SectorManager{sectors: make(map[string]string, len(cfg.Symbols)), maxPct: cfg.MaxSectorPct}
	for sym, sector := range cfg.Symbols {
		m.sectors[normalize(sym)] = strings.TrimSpace(sector)
	}
	return m, nil
}

// Sector returns the sector for symbol, or UnknownSector.
func (m *SectorManager) Sector(symbol string) string {
	if s, ok := m.sectors[normalize(symbol)]; ok && s != "" {
		return s
	}
	return UnknownSector
}

// Check reports whether adding orderValue of symbol keeps its sector within
// the limit.
func (m *SectorManager) Check(symbol string, orderValue, equity float64, positions []domain.Position) Decision {
	if m.maxPct == 0 {
		return allow()
	}
	if !(equity > 0) {
		return deny("equity %.2f is not positive", equity)
	}
	sector := m.Sector(symbol)
	current := 0.0
	for _, p := range positions {
		if m.Sector(p.Symbol) == sector {
			current += math.Abs(p.MarketValue)
		}
	}
	limit := equity * m.maxPct
	if after := current + math.Abs(orderValue); after > limit {
		return deny("sector %s exposure %.2f would exceed limit %.2f (%.1f%% of equity)",
			sector, after, limit, m.maxPct*100)
	}
	return allow()
}

// Report aggregates positions by sector, largest exposure first.
func (m *SectorManager) Report(positions []domain.Position, equity float64) []GroupExposure {
	return aggregate(positions, equity, func(sym string) (string, bool) {
		return m.Sector(sym), true
	})
}

// ---------------------------------------------------------------------------
// Correlation groups
// ---------------------------------------------------------------------------

// CorrelationConfig lists groups of related symbols and bounds how many
// positions one group may hold at once.
type CorrelationConfig struct {
	Groups      map[string][]string `yaml:"groups" json:"groups"`
	MaxPerGroup int                 `yaml:"max_per_group" json:"max_per_group"`
}

// CorrelationManager enforces the per-group concurrent position limit.
// Symbols outside every group are not limited.
type CorrelationManager struct {
	groups   map[string]string
	maxCount int
}

// NewCorrelationManager returns a CorrelationManager. A symbol listed in
// more than one group is rejected. A zero MaxPerGroup disables the limit.
func NewCorrelationManager(cfg CorrelationConfig) (*CorrelationManager, error) {
	if cfg.MaxPerGroup < 0 {
		return nil, fmt.Errorf("risk: max_per_group must not be negative, got %d", cfg.MaxPerGroup)
	}
	m := &CorrelationManager{groups: make(map[string]string), maxCount: cfg.MaxPerGroup}
	for group, symbols := range cfg.Groups {
		for _, sym := range symbols {
			key := normalize(sym)
			if prev, ok := m.groups[key]; ok && prev != group {
				return nil, fmt.Errorf("risk: symbol %s is in correlation groups %s and %s", key, prev, group)
			}
			m.groups[key] = group
		}
	}
	return m, nil
}

// Group returns the correlation group of symbol.
func (m *CorrelationManager) Group(symbol string) (string, bool) {
	g, ok := m.groups[normalize(symbol)]
	return g, ok
}

// Check reports whether a new position in symbol keeps its group within the
// limit. Adding to a symbol already held does not count as a new position.
func (m *CorrelationManager) Check(symbol string, positions []domain.Position) Decision {
	group, ok := m.Group(symbol)
	if !ok || m.maxCount == 0 {
		return allow()
	}
	key := normalize(symbol)
	held := 0
	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		if normalize(p.Symbol) == key {
			return allow()
		}
		if g, ok := m.Group(p.Symbol); ok && g == group {
			held++
		}
	}
	if held >= m.maxCount {
		return deny("correlation group %s already holds %d positions (max %d)", group, held, m.maxCount)
	}
	return allow()
}

// Report aggregates grouped positions by correlation group.
func (m *CorrelationManager) Report(positions []domain.Position, equity float64) []GroupExposure {
	return aggregate(positions, equity, m.Group)
}

// ---------------------------------------------------------------------------

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func aggregate(positions []domain.Position, equity float64, groupOf func(string) (string, bool)) []GroupExposure {
	byGroup := make(map[string]*GroupExposure)
	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		g, ok := groupOf(p.Symbol)
		if !ok {
			continue
		}
		e := byGroup[g]
		if e == nil {
			e = &GroupExposure{Group: g}
			byGroup[g] = e
		}
		e.Symbols = append(e.Symbols, normalize(p.Symbol))
		e.Count++
		e.Value += math.Abs(p.MarketValue)
	}

	out := make([]GroupExposure, 0, len(byGroup))
	for _, e := range byGroup {
		sort.Strings(e.Symbols)
		if equity > 0 {
			e.Pct = e.Value / equity
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Group < out[j].Group
	})
	return out
}
