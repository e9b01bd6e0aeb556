// Package store persists bars, backtest trade logs, walk-forward runs and
// circuit breaker history, and supplies bars to the walk-forward
// orchestrator.
package store

import (
	"context"
	"errors"
	"time"

	"riskgate/internal/domain"
	"riskgate/internal/montecarlo"
	"riskgate/internal/risk"
	"riskgate/internal/walkforward"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars under market.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// TradeLogStore persists the simulated trades of one backtest run.
type TradeLogStore interface {
	WriteTradeLog(ctx context.Context, runID string, trades []domain.Trade) error
	ReadTradeLog(ctx context.Context, runID string) ([]domain.Trade, error)
}

// RunRecord is a stored walk-forward run with its optional Monte Carlo
// validation.
type RunRecord struct {
	ID         string              `json:"id"`
	CreatedAt  time.Time           `json:"created_at"`
	Result     *walkforward.Result `json:"result"`
	MonteCarlo *montecarlo.Result  `json:"monte_carlo,omitempty"`
}

// RunSummary is the listing view of a RunRecord.
type RunSummary struct {
	ID                string    `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	Strategy          string    `json:"strategy"`
	Symbol            string    `json:"symbol"`
	RobustnessScore   float64   `json:"robustness_score"`
	Efficiency        float64   `json:"efficiency"`
	OutOfSampleSharpe float64   `json:"out_of_sample_sharpe"`
	TotalTrades       int       `json:"total_trades"`
}

// RunStore persists walk-forward runs.
type RunStore interface {
	// SaveRun stores rec, assigning an ID when rec.ID is empty, and returns
	// the ID.
	SaveRun(ctx context.Context, rec *RunRecord) (string, error)
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// ListRuns returns the most recent runs first, up to limit.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// TriggerStore persists circuit breaker trigger history.
type TriggerStore interface {
	risk.Recorder
	// ListTriggers returns the most recent events first, up to limit.
	ListTriggers(ctx context.Context, limit int) ([]risk.TriggerEvent, error)
}
