package risk

import (
	"testing"

	"riskgate/internal/domain"
)

func TestContextSizeOrderFollowsBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.Timezone = ""
	cfg.Sizing.MaxPositionPct = 0.6
	clock := newFakeClock()
	rc, err := NewContext(cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	ps, err := rc.SizeOrder(100000, 50, 48, nil)
	if err != nil {
		t.Fatalf("SizeOrder: %v", err)
	}
	if ps.Shares != 1000 {
		t.Errorf("NORMAL shares = %d, want 1000", ps.Shares)
	}

	mustUpdate(t, rc.Breaker, 100000)
	mustUpdate(t, rc.Breaker, 97800)
	ps, _ = rc.SizeOrder(97800, 50, 48, nil)
	if ps.Shares != 489 {
		t.Errorf("WARNING shares = %d, want 489", ps.Shares)
	}

	mustUpdate(t, rc.Breaker, 96000)
	ps, _ = rc.SizeOrder(96000, 50, 48, nil)
	if ps.Shares != 0 {
		t.Errorf("COOLDOWN shares = %d, want 0", ps.Shares)
	}
}

func TestContextCheckExposure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.Timezone = ""
	cfg.Sectors.Symbols = map[string]string{"AAPL": "Technology", "MSFT": "Technology"}
	cfg.Correlation.Groups = map[string][]string{"megacap": {"AAPL", "MSFT", "GOOG"}}
	rc, err := NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	positions := []domain.Position{
		{Symbol: "AAPL", Qty: 10, MarketValue: 2000},
		{Symbol: "MSFT", Qty: 10, MarketValue: 2000},
	}

	if d := rc.CheckExposure("GOOG", 1000, 100000, positions); d.Allowed {
		t.Error("expected correlation denial for GOOG")
	}
	if d := rc.CheckExposure("MSFT", 40000, 100000, positions); d.Allowed {
		t.Error("expected sector denial for large MSFT add")
	}
	if d := rc.CheckExposure("MSFT", 1000, 100000, positions); !d.Allowed {
		t.Errorf("small MSFT add denied: %s", d.Reason)
	}

	rep := rc.Exposure(positions, 100000)
	if rep.Positions != 2 || len(rep.Sectors) != 1 || len(rep.Correlation) != 1 {
		t.Errorf("Exposure = %+v, want 2 positions in one sector and one group", rep)
	}
}
