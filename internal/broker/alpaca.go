package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"riskgate/internal/domain"
	"riskgate/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// alpacaAPI is the subset of the Alpaca trading client used here.
type alpacaAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	CloseAllPositions(req alpaca.CloseAllPositionsRequest) ([]alpaca.Order, error)
}

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
type AlpacaBroker struct {
	client alpacaAPI
	log    *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint. An empty baseURL uses the SDK default.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return newAlpacaBroker(alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}))
}

func newAlpacaBroker(client alpacaAPI) *AlpacaBroker {
	return &AlpacaBroker{client: client, log: util.Component(nil, "alpaca-broker")}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder places a day order through the Alpaca API.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !(order.Qty > 0) {
		return nil, fmt.Errorf("%w: qty %v", ErrInvalidOrder, order.Qty)
	}
	qty := decimal.NewFromFloat(order.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        strings.ToUpper(order.Symbol),
		Qty:           &qty,
		Side:          alpaca.Side(order.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ID,
	}
	if order.Type == domain.OrderTypeLimit {
		limit := decimal.NewFromFloat(order.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return nil, fmt.Errorf("PlaceOrder %s: %w", order.Symbol, err)
	}
	return fromAlpacaOrder(placed), nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("CancelOrder %s: %w", orderID, err)
	}
	return nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}
	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		pos := domain.Position{
			Symbol:     p.Symbol,
			Qty:        p.Qty.Abs().InexactFloat64(),
			Side:       domain.PositionSideLong,
			EntryPrice: p.AvgEntryPrice.InexactFloat64(),
		}
		if p.Side == "short" || p.Qty.IsNegative() {
			pos.Side = domain.PositionSideShort
		}
		if p.MarketValue != nil {
			pos.MarketValue = p.MarketValue.InexactFloat64()
		} else {
			pos.MarketValue = p.Qty.Mul(p.AvgEntryPrice).InexactFloat64()
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	return &domain.AccountInfo{
		Equity:      acct.Equity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}, nil
}

// LiquidateAll cancels open orders and closes every position.
func (b *AlpacaBroker) LiquidateAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	orders, err := b.client.CloseAllPositions(alpaca.CloseAllPositionsRequest{CancelOrders: true})
	if err != nil {
		return fmt.Errorf("CloseAllPositions: %w", err)
	}
	b.log.Warn("liquidated all positions", "orders", len(orders))
	return nil
}

func fromAlpacaOrder(o *alpaca.Order) *domain.Order {
	out := &domain.Order{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Side:      domain.OrderSide(o.Side),
		Type:      domain.OrderType(o.Type),
		FilledQty: o.FilledQty.InexactFloat64(),
		Status:    orderStatus(o.Status),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return out
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "cancelled", "expired":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}
