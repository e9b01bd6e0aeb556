// Package engine gates order submission on the risk controls and forwards
// approved orders to a broker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"riskgate/internal/broker"
	"riskgate/internal/domain"
	"riskgate/internal/risk"
	"riskgate/internal/util"
)

var (
	// ErrTradingHalted is returned while the circuit breaker forbids entries.
	ErrTradingHalted = errors.New("engine: trading halted by circuit breaker")
	// ErrExposureLimit is returned when a sector or correlation limit
	// rejects an entry.
	ErrExposureLimit = errors.New("engine: exposure limit")
	// ErrZeroQuantity is returned when sizing yields no whole shares.
	ErrZeroQuantity = errors.New("engine: sized quantity is zero")
	// ErrNoPosition is returned when closing a symbol with no position.
	ErrNoPosition = errors.New("engine: no open position")
)

// EntryRequest describes a new position to open. StopPrice sets the risk
// distance used for sizing.
type EntryRequest struct {
	Symbol     string           `json:"symbol"`
	Side       domain.Side      `json:"side"`
	EntryPrice float64          `json:"entry_price"`
	StopPrice  float64          `json:"stop_price"`
	Type       domain.OrderType `json:"type,omitempty"`
	LimitPrice float64          `json:"limit_price,omitempty"`
}

// EntryResult is an accepted entry: the sizing decision and the order the
// broker returned.
type EntryResult struct {
	Size  risk.PositionSize `json:"size"`
	Order *domain.Order     `json:"order"`
}

// Engine runs the pre-trade pipeline: breaker gate, account snapshot,
// sizing scaled by the breaker multiplier, exposure checks, daily loss
// check, then broker submission.
type Engine struct {
	broker broker.Broker
	risk   *risk.Context
	daily  *RiskManager
	log    *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(b broker.Broker, rc *risk.Context, daily *RiskManager, log *slog.Logger) *Engine {
	return &Engine{
		broker: b,
		risk:   rc,
		daily:  daily,
		log:    util.Component(log, "engine"),
	}
}

// Risk returns the risk context the engine gates on.
func (e *Engine) Risk() *risk.Context { return e.risk }

// Broker returns the execution collaborator.
func (e *Engine) Broker() broker.Broker { return e.broker }

// SubmitEntry sizes and gates a new entry, then submits it.
func (e *Engine) SubmitEntry(ctx context.Context, req EntryRequest) (*EntryResult, error) {
	if req.Side != domain.SideLong && req.Side != domain.SideShort {
		return nil, fmt.Errorf("%w: side %q", risk.ErrInvalidInput, req.Side)
	}
	symbol := strings.ToUpper(req.Symbol)

	if st := e.risk.Breaker.Status(); !st.CanTrade {
		return nil, e.reject(symbol, fmt.Errorf("%w: state %s", ErrTradingHalted, st.State))
	}

	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting positions: %w", err)
	}

	size, err := e.risk.SizeOrder(account.Equity, req.EntryPrice, req.StopPrice, positions)
	if err != nil {
		return nil, e.reject(symbol, err)
	}
	if size.Shares == 0 {
		return nil, e.reject(symbol, fmt.Errorf("%w: limited by %s", ErrZeroQuantity, size.LimitedBy))
	}

	if d := e.risk.CheckExposure(symbol, size.PositionValue, account.Equity, positions); !d.Allowed {
		return nil, e.reject(symbol, fmt.Errorf("%w: %s", ErrExposureLimit, d.Reason))
	}

	order := &domain.Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       req.Side.EntryOrderSide(),
		Type:       domain.OrderTypeMarket,
		Qty:        float64(size.Shares),
		LimitPrice: req.LimitPrice,
		Status:     domain.OrderStatusNew,
		CreatedAt:  time.Now(),
	}
	if req.Type == domain.OrderTypeLimit {
		order.Type = domain.OrderTypeLimit
	}

	if e.daily != nil {
		if err := e.daily.CheckOrder(ctx, order, account); err != nil {
			return nil, e.reject(symbol, err)
		}
	}

	placed, err := e.broker.SubmitOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("submitting %s: %w", symbol, err)
	}
	e.log.Info("order submitted", "symbol", symbol, "side", order.Side, "qty", order.Qty,
		"limited_by", size.LimitedBy, "order_id", placed.ID)
	return &EntryResult{Size: size, Order: placed}, nil
}

func (e *Engine) reject(symbol string, err error) error {
	e.log.Warn("order rejected", "symbol", symbol, "reason", err)
	return err
}

// CloseResult is a flattening order. Once the broker reports a fill the
// realized P&L has been fed to the risk controls and Recorded is set.
type CloseResult struct {
	Order    *domain.Order `json:"order"`
	PnL      float64       `json:"pnl"`
	Recorded bool          `json:"recorded"`
	Status   risk.Status   `json:"status"`
}

// ClosePosition submits a market order that flattens symbol. Exits bypass
// the entry gates. A filled close is recorded as a trade result.
func (e *Engine) ClosePosition(ctx context.Context, symbol string) (*CloseResult, error) {
	symbol = strings.ToUpper(symbol)
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting positions: %w", err)
	}
	for _, p := range positions {
		if strings.ToUpper(p.Symbol) != symbol || p.Qty == 0 {
			continue
		}
		side, sign := domain.OrderSideSell, 1.0
		if p.Side == domain.PositionSideShort {
			side, sign = domain.OrderSideBuy, -1
		}
		placed, err := e.broker.SubmitOrder(ctx, &domain.Order{
			ID:     uuid.NewString(),
			Symbol: symbol,
			Side:   side,
			Type:   domain.OrderTypeMarket,
			Qty:    p.Qty,
			Status: domain.OrderStatusNew,
		})
		if err != nil {
			return nil, fmt.Errorf("closing %s: %w", symbol, err)
		}

		res := &CloseResult{Order: placed}
		if placed.Status != domain.OrderStatusFilled {
			e.log.Info("close submitted, awaiting fill", "symbol", symbol, "order_id", placed.ID)
			res.Status = e.risk.Breaker.Status()
			return res, nil
		}
		res.PnL = (placed.FilledAvgPrice - p.EntryPrice) * placed.FilledQty * sign
		res.Recorded = true
		res.Status, err = e.RecordTradeResult(ctx, res.PnL)
		if err != nil {
			e.log.Error("poll after close failed", "symbol", symbol, "error", err)
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
}

// CancelOrder requests cancellation of an open order.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	return e.broker.CancelOrder(ctx, orderID)
}

// GetPositions returns all currently open positions.
func (e *Engine) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return e.broker.GetPositions(ctx)
}

// RecordTradeResult feeds a closed trade's P&L to the breaker's loss
// streak and the daily accumulator, then polls so a streak trigger takes
// effect immediately. The result is kept even when the poll fails.
func (e *Engine) RecordTradeResult(ctx context.Context, pnl float64) (risk.Status, error) {
	e.risk.Breaker.RecordTradeResult(pnl)
	if e.daily != nil {
		e.daily.RecordRealized(pnl)
	}
	e.log.Info("trade result recorded", "pnl", pnl)
	return e.Poll(ctx)
}

// Daily returns the daily loss accumulator, or nil when none is wired.
func (e *Engine) Daily() *RiskManager { return e.daily }

// Poll reads account equity and updates the breaker once. The reading
// also seeds the daily accumulator's start-of-day equity.
func (e *Engine) Poll(ctx context.Context) (risk.Status, error) {
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return e.risk.Breaker.Status(), fmt.Errorf("getting account: %w", err)
	}
	if e.daily != nil {
		e.daily.ObserveEquity(account.Equity)
	}
	return e.risk.Breaker.Update(ctx, account.Equity)
}

// Run polls every interval until ctx is cancelled. Poll failures are
// logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("breaker poller started", "interval", interval)
	for {
		if _, err := e.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.log.Info("breaker poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
