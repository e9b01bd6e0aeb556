package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskgate/internal/domain"
	"riskgate/internal/slippage"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

type simPosition struct {
	qty      float64 // signed; negative is short
	avgPrice float64
}

// SimulatorBroker implements the Broker interface for paper trading and
// backtesting. It tracks cash, positions and orders in memory. Marketable
// orders fill immediately at the current mark, adjusted by the slippage
// model when one is set; limit orders that are not marketable rest until
// cancelled.
type SimulatorBroker struct {
	mu        sync.Mutex
	cash      float64
	realized  float64
	marks     map[string]float64
	positions map[string]*simPosition
	orders    map[string]*domain.Order
	slip      *slippage.Model
	now       func() time.Time
}

// NewSimulatorBroker creates a SimulatorBroker holding cash. slip may be
// nil for frictionless fills.
func NewSimulatorBroker(cash float64, slip *slippage.Model) *SimulatorBroker {
	return &SimulatorBroker{
		cash:      cash,
		marks:     make(map[string]float64),
		positions: make(map[string]*simPosition),
		orders:    make(map[string]*domain.Order),
		slip:      slip,
		now:       time.Now,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetPrice sets the mark used for fills and valuation.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[strings.ToUpper(symbol)] = price
}

// RealizedPnL returns profit and loss booked by closing fills.
func (b *SimulatorBroker) RealizedPnL() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realized
}

// SubmitOrder fills marketable orders immediately and rests the rest.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !(order.Qty > 0) || math.IsInf(order.Qty, 0) {
		return nil, fmt.Errorf("%w: qty %v", ErrInvalidOrder, order.Qty)
	}
	if order.Side != domain.OrderSideBuy && order.Side != domain.OrderSideSell {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, order.Side)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	symbol := strings.ToUpper(order.Symbol)
	mark, ok := b.marks[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}

	o := *order
	o.Symbol = symbol
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Type == "" {
		o.Type = domain.OrderTypeMarket
	}
	o.Status = domain.OrderStatusNew
	o.CreatedAt = b.now()
	o.UpdatedAt = o.CreatedAt

	if o.Type == domain.OrderTypeLimit && !marketable(o.Side, o.LimitPrice, mark) {
		b.orders[o.ID] = &o
		out := o
		return &out, nil
	}

	price := mark
	if b.slip != nil {
		fill, err := b.slip.Apply(mark, o.Qty, o.Side, 0, 0)
		if err != nil {
			return nil, err
		}
		price = fill.Price
	}
	b.fill(&o, price)
	b.orders[o.ID] = &o
	out := o
	return &out, nil
}

func marketable(side domain.OrderSide, limit, mark float64) bool {
	if side == domain.OrderSideBuy {
		return limit >= mark
	}
	return limit <= mark
}

// fill books an execution of o at price.
func (b *SimulatorBroker) fill(o *domain.Order, price float64) {
	delta := o.Qty
	if o.Side == domain.OrderSideSell {
		delta = -delta
	}
	b.cash -= delta * price

	pos := b.positions[o.Symbol]
	if pos == nil {
		pos = &simPosition{}
		b.positions[o.Symbol] = pos
	}
	switch {
	case pos.qty == 0 || (pos.qty > 0) == (delta > 0):
		total := math.Abs(pos.qty) + math.Abs(delta)
		pos.avgPrice = (math.Abs(pos.qty)*pos.avgPrice + math.Abs(delta)*price) / total
		pos.qty += delta
	default:
		closed := math.Min(math.Abs(delta), math.Abs(pos.qty))
		sign := 1.0
		if pos.qty < 0 {
			sign = -1
		}
		b.realized += closed * (price - pos.avgPrice) * sign
		if math.Abs(delta) > math.Abs(pos.qty) {
			pos.avgPrice = price
		}
		pos.qty += delta
	}
	if pos.qty == 0 {
		delete(b.positions, o.Symbol)
	}

	o.Status = domain.OrderStatusFilled
	o.FilledQty = o.Qty
	o.FilledAvgPrice = price
	o.UpdatedAt = b.now()
}

// CancelOrder cancels a resting order.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if o.Status != domain.OrderStatusNew {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidOrder, orderID, o.Status)
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = b.now()
	return nil
}

// GetPositions returns open positions sorted by symbol. Short positions
// carry a negative market value.
func (b *SimulatorBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make([]domain.Position, 0, len(b.positions))
	for sym, p := range b.positions {
		side := domain.PositionSideLong
		if p.qty < 0 {
			side = domain.PositionSideShort
		}
		positions = append(positions, domain.Position{
			Symbol:      sym,
			Qty:         math.Abs(p.qty),
			Side:        side,
			EntryPrice:  p.avgPrice,
			MarketValue: p.qty * b.marks[sym],
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetAccount values positions at their marks.
func (b *SimulatorBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for sym, p := range b.positions {
		equity += p.qty * b.marks[sym]
	}
	return &domain.AccountInfo{
		Equity:      equity,
		Cash:        b.cash,
		BuyingPower: math.Max(b.cash, 0),
	}, nil
}

// LiquidateAll cancels resting orders and closes every position at its mark.
func (b *SimulatorBroker) LiquidateAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, o := range b.orders {
		if o.Status == domain.OrderStatusNew {
			o.Status = domain.OrderStatusCancelled
			o.UpdatedAt = now
		}
	}
	for sym, p := range b.positions {
		side := domain.OrderSideSell
		if p.qty < 0 {
			side = domain.OrderSideBuy
		}
		o := &domain.Order{
			ID:        uuid.NewString(),
			Symbol:    sym,
			Side:      side,
			Type:      domain.OrderTypeMarket,
			Qty:       math.Abs(p.qty),
			CreatedAt: now,
		}
		b.fill(o, b.marks[sym])
		b.orders[o.ID] = o
	}
	return nil
}
