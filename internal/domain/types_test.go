package domain

import (
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Bar")
	}

	// An unclosed trade has no exit reason.
	trade := Trade{Symbol: "AAPL", Side: SideLong, EntryPrice: 100, Qty: 10}
	if trade.Closed() {
		t.Error("expected new Trade to be open")
	}
	trade.ExitReason = ExitStopLoss
	if !trade.Closed() {
		t.Error("expected Trade with exit reason to be closed")
	}

	// Verify enum constants are defined correctly.
	if OrderSideBuy != "buy" {
		t.Errorf("OrderSideBuy = %q, want %q", OrderSideBuy, "buy")
	}
	if MarketUS != "us" || MarketCN != "cn" {
		t.Error("Market constants have unexpected values")
	}

	pos := Position{
		Symbol:      "AAPL",
		Qty:         100,
		Side:        PositionSideLong,
		EntryPrice:  180,
		MarketValue: 18500,
	}
	if pos.Side != PositionSideLong {
		t.Errorf("pos.Side = %q, want %q", pos.Side, PositionSideLong)
	}

	pt := EquityPoint{Time: time.Now(), Equity: 1}
	if pt.Equity != 1 {
		t.Errorf("pt.Equity = %v, want 1", pt.Equity)
	}
}

func TestSideOrderSides(t *testing.T) {
	tests := []struct {
		side      Side
		wantEntry OrderSide
		wantExit  OrderSide
		wantSign  float64
	}{
		{SideLong, OrderSideBuy, OrderSideSell, 1},
		{SideShort, OrderSideSell, OrderSideBuy, -1},
	}
	for _, tt := range tests {
		if got := tt.side.EntryOrderSide(); got != tt.wantEntry {
			t.Errorf("%s.EntryOrderSide() = %q, want %q", tt.side, got, tt.wantEntry)
		}
		if got := tt.side.ExitOrderSide(); got != tt.wantExit {
			t.Errorf("%s.ExitOrderSide() = %q, want %q", tt.side, got, tt.wantExit)
		}
		if got := tt.side.Sign(); got != tt.wantSign {
			t.Errorf("%s.Sign() = %v, want %v", tt.side, got, tt.wantSign)
		}
	}
}
