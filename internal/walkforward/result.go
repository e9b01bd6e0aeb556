package walkforward

import (
	"riskgate/internal/domain"
	"riskgate/internal/metrics"
	"riskgate/internal/strategy"
)

// Result aggregates every window of a walk-forward run. It is a read-only
// snapshot; aggregate figures are rounded with metrics.Round.
type Result struct {
	Strategy string   `json:"strategy"`
	Symbol   string   `json:"symbol"`
	Bars     int      `json:"bars"`
	Windows  []Window `json:"windows"`

	TotalWindows     int `json:"total_windows"`
	CompletedWindows int `json:"completed_windows"`
	SkippedWindows   int `json:"skipped_windows"`

	InSampleSharpe    float64 `json:"in_sample_sharpe"`
	OutOfSampleSharpe float64 `json:"out_of_sample_sharpe"`
	// Efficiency is OutOfSampleSharpe / InSampleSharpe, or 0 when the
	// in-sample figure is not positive.
	Efficiency float64 `json:"efficiency"`

	TotalTrades  int     `json:"total_trades"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	Expectancy   float64 `json:"expectancy"`
	TotalReturn  float64 `json:"total_return"`
	MaxDrawdown  float64 `json:"max_drawdown"`

	// SlippageCost is the currency cost of execution across all test trades;
	// CostDragPct expresses it as a fraction of initial capital.
	SlippageCost float64 `json:"slippage_cost"`
	CostDragPct  float64 `json:"cost_drag_pct"`

	RobustnessScore float64 `json:"robustness_score"`
	InitialCapital  float64 `json:"initial_capital"`
	// Partial is set when the run was cancelled before every window ran.
	Partial bool `json:"partial"`
}

// Trades returns the pooled test trades of every window in window order.
func (r *Result) Trades() []domain.Trade {
	var out []domain.Trade
	for _, w := range r.Windows {
		out = append(out, w.Trades...)
	}
	return out
}

// LatestParams returns the parameters of the most recent completed window,
// the candidate for adoption.
func (r *Result) LatestParams() (strategy.ParameterSet, bool) {
	for i := len(r.Windows) - 1; i >= 0; i-- {
		if !r.Windows[i].Skipped {
			return r.Windows[i].Params, true
		}
	}
	return strategy.ParameterSet{}, false
}

// aggregate pools finished windows, which must be in index order.
func aggregate(windows []Window, total int, initialCapital float64) *Result {
	res := &Result{
		Windows:        windows,
		TotalWindows:   total,
		InitialCapital: initialCapital,
	}

	var isSum, oosSum float64
	for _, w := range windows {
		if w.Skipped {
			res.SkippedWindows++
			continue
		}
		res.CompletedWindows++
		isSum += w.InSampleSharpe
		oosSum += w.OutOfSampleSharpe
	}
	if res.CompletedWindows > 0 {
		res.InSampleSharpe = metrics.Round(isSum / float64(res.CompletedWindows))
		res.OutOfSampleSharpe = metrics.Round(oosSum / float64(res.CompletedWindows))
	}
	if res.InSampleSharpe > 0 {
		res.Efficiency = res.OutOfSampleSharpe / res.InSampleSharpe
	}

	trades := res.Trades()
	res.TotalTrades = len(trades)
	res.WinRate = metrics.WinRate(trades)
	res.ProfitFactor = metrics.ProfitFactor(trades)
	res.Expectancy = metrics.Expectancy(trades)

	equity := make([]float64, 0, len(trades)+1)
	equity = append(equity, initialCapital)
	cum := initialCapital
	for _, t := range trades {
		cum += t.PnL
		equity = append(equity, cum)
		res.SlippageCost += t.SlippageCost
	}
	res.MaxDrawdown = metrics.MaxDrawdown(equity)
	if initialCapital > 0 {
		res.TotalReturn = (cum - initialCapital) / initialCapital
		res.CostDragPct = res.SlippageCost / initialCapital
	}

	res.RobustnessScore = RobustnessScore(RobustnessInputs{
		Efficiency:   res.Efficiency,
		WinRate:      res.WinRate,
		ProfitFactor: res.ProfitFactor,
		Trades:       res.TotalTrades,
		MaxDrawdown:  res.MaxDrawdown,
	})

	res.Efficiency = metrics.Round(res.Efficiency)
	res.WinRate = metrics.Round(res.WinRate)
	res.ProfitFactor = metrics.Round(res.ProfitFactor)
	res.Expectancy = metrics.Round(res.Expectancy)
	res.TotalReturn = metrics.Round(res.TotalReturn)
	res.MaxDrawdown = metrics.Round(res.MaxDrawdown)
	res.SlippageCost = metrics.Round(res.SlippageCost)
	res.CostDragPct = metrics.Round(res.CostDragPct)
	return res
}
