package api

import (
	"riskgate/internal/domain"
	"riskgate/internal/risk"
)

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status   string     `json:"status"`
	Broker   string     `json:"broker"`
	State    risk.State `json:"state"`
	CanTrade bool       `json:"can_trade"`
}

// HaltRequest is the body of POST /api/breaker/halt.
type HaltRequest struct {
	Reason string `json:"reason"`
}

// AccountResponse is returned by GET /api/account.
type AccountResponse struct {
	Account   domain.AccountInfo `json:"account"`
	Positions []domain.Position  `json:"positions"`
}

// SizeRequest is the body of POST /api/size.
type SizeRequest struct {
	Symbol     string  `json:"symbol"`
	EntryPrice float64 `json:"entry_price"`
	StopPrice  float64 `json:"stop_price"`
}

// SizeResponse is the breaker-scaled position size for a prospective entry
// with the exposure decision it would face.
type SizeResponse struct {
	Symbol     string            `json:"symbol"`
	Equity     float64           `json:"equity"`
	Multiplier float64           `json:"multiplier"`
	Size       risk.PositionSize `json:"size"`
	Exposure   risk.Decision     `json:"exposure"`
}

// TradeResultRequest is the body of POST /api/trades: the realized P&L of a
// trade closed outside the gate.
type TradeResultRequest struct {
	Symbol string  `json:"symbol,omitempty"`
	PnL    float64 `json:"pnl"`
}
