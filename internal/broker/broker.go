// Package broker defines the Broker interface and provides implementations
// for executing orders and supplying account and position snapshots.
package broker

import (
	"context"
	"errors"

	"riskgate/internal/domain"
)

var (
	// ErrOrderNotFound is returned when an order ID is unknown.
	ErrOrderNotFound = errors.New("broker: order not found")
	// ErrNoPrice is returned when the simulator has no mark for a symbol.
	ErrNoPrice = errors.New("broker: no price for symbol")
	// ErrInvalidOrder is returned for orders a broker refuses outright.
	ErrInvalidOrder = errors.New("broker: invalid order")
)

// Broker abstracts brokerage operations for order execution and account
// management. Every Broker can also flatten the account, so it can serve as
// the circuit breaker's liquidator.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage for execution.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// LiquidateAll cancels open orders and closes every position.
	LiquidateAll(ctx context.Context) error
}
