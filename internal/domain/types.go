// Package domain defines the core value types shared across the riskgate
// packages: price bars, simulated trades, equity points, and the account and
// position snapshots supplied by a broker.
package domain

import (
	"time"
)

// Market identifies the exchange family a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Bar is one OHLCV period for an instrument. Bars are immutable once
// produced; a series of bars must have strictly increasing timestamps.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"trade_count"`
	VWAP       float64   `json:"vwap"`
}

// Side is the direction of a simulated position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// EntryOrderSide returns the order side that opens a position of side s.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide returns the order side that closes a position of side s.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// ExitReason records why a simulated position was closed.
type ExitReason string

const (
	ExitStopLoss    ExitReason = "stop_loss"
	ExitTakeProfit  ExitReason = "take_profit"
	ExitSignal      ExitReason = "signal"
	ExitEndOfWindow ExitReason = "end_of_window"
)

// Trade is one round trip produced by the backtest runner. It is created at
// entry, completed once at exit, and never modified afterwards.
type Trade struct {
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   time.Time  `json:"exit_time"`
	EntryIndex int        `json:"entry_index"`
	ExitIndex  int        `json:"exit_index"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"` // zero until closed
	Qty        float64    `json:"qty"`
	PnL        float64    `json:"pnl"`
	PnLPct     float64    `json:"pnl_pct"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`

	// SlippagePct is the sum of the entry and exit slippage fractions.
	SlippagePct float64 `json:"slippage_pct"`
	// SlippageCost is the currency cost of slippage across both legs.
	SlippageCost float64 `json:"slippage_cost"`
}

// Closed reports whether the trade has an exit.
func (t *Trade) Closed() bool {
	return t.ExitReason != ""
}

// EquityPoint is the marked-to-market account value at a bar.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// OrderSide is the direction of a broker order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of a broker order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of a broker order.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is an order handed to a broker after passing the risk gate.
type Order struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Qty            float64     `json:"qty"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	FilledQty      float64     `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PositionSide is the direction of a live broker position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is a point-in-time snapshot of an open broker position.
type Position struct {
	Symbol      string       `json:"symbol"`
	Qty         float64      `json:"qty"`
	Side        PositionSide `json:"side"`
	EntryPrice  float64      `json:"entry_price"`
	MarketValue float64      `json:"market_value"`
}

// AccountInfo is a point-in-time snapshot of account balances.
type AccountInfo struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
}
