package metrics

import (
	"riskgate/internal/domain"
)

// Summary aggregates the statistics of one backtest.
type Summary struct {
	Trades           int     `json:"trades"`
	WinRate          float64 `json:"win_rate"`
	AvgWin           float64 `json:"avg_win"`
	AvgLoss          float64 `json:"avg_loss"`
	ProfitFactor     float64 `json:"profit_factor"`
	Expectancy       float64 `json:"expectancy"`
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Sharpe           float64 `json:"sharpe"`
	Sortino          float64 `json:"sortino"`
	// SortinoDefined is false when the downside deviation is undefined.
	SortinoDefined bool    `json:"sortino_defined"`
	SlippageCost   float64 `json:"slippage_cost"`
}

// Summarize computes a Summary for trades and the equity curve they
// produced. initialCapital anchors the total return.
func Summarize(trades []domain.Trade, equity []domain.EquityPoint, initialCapital, riskFreeRate float64) Summary {
	values := EquityValues(equity)
	returns := Returns(values)
	avgWin, avgLoss := AvgWinLoss(trades)
	sortino, ok := Sortino(returns, riskFreeRate)

	s := Summary{
		Trades:         len(trades),
		WinRate:        WinRate(trades),
		AvgWin:         avgWin,
		AvgLoss:        avgLoss,
		ProfitFactor:   ProfitFactor(trades),
		Expectancy:     Expectancy(trades),
		MaxDrawdown:    MaxDrawdown(values),
		Sharpe:         Sharpe(returns, riskFreeRate),
		Sortino:        sortino,
		SortinoDefined: ok,
	}
	for _, t := range trades {
		s.SlippageCost += t.SlippageCost
	}
	if len(equity) > 0 && initialCapital > 0 {
		last := equity[len(equity)-1]
		s.TotalReturn = last.Equity/initialCapital - 1
		s.AnnualizedReturn = AnnualizedReturn(initialCapital, last.Equity, equity[0].Time, last.Time)
	}
	return s.Rounded()
}

// Rounded returns a copy with every float rounded to SnapshotPrecision.
func (s Summary) Rounded() Summary {
	s.WinRate = Round(s.WinRate)
	s.AvgWin = Round(s.AvgWin)
	s.AvgLoss = Round(s.AvgLoss)
	s.ProfitFactor = Round(s.ProfitFactor)
	s.Expectancy = Round(s.Expectancy)
	s.TotalReturn = Round(s.TotalReturn)
	s.AnnualizedReturn = Round(s.AnnualizedReturn)
	s.MaxDrawdown = Round(s.MaxDrawdown)
	s.Sharpe = Round(s.Sharpe)
	s.Sortino = Round(s.Sortino)
	s.SlippageCost = Round(s.SlippageCost)
	return s
}
