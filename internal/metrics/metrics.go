// Package metrics computes performance statistics over trade lists and
// equity curves. Every function is pure and safe for concurrent use.
package metrics

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"riskgate/internal/domain"
)

// ProfitFactorCap is reported as the profit factor when there is gross profit
// but no gross loss. It is finite so it can be compared, averaged and
// serialised.
const ProfitFactorCap = 999.99

// TradingDaysPerYear annualises daily statistics.
const TradingDaysPerYear = 252

// SnapshotPrecision is the number of decimal places kept in serialised
// result snapshots.
const SnapshotPrecision = 8

// Round rounds v to SnapshotPrecision decimal places. Non-finite values are
// returned unchanged.
func Round(v float64) float64 {
	return RoundTo(v, SnapshotPrecision)
}

// RoundTo rounds v to places decimal places using decimal arithmetic.
func RoundTo(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// WinRate is the fraction of trades with positive P&L, in [0, 1].
func WinRate(trades []domain.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades))
}

// AvgWinLoss returns the mean P&L of winning trades and the mean P&L of
// losing trades. avgLoss is negative or zero.
func AvgWinLoss(trades []domain.Trade) (avgWin, avgLoss float64) {
	var sumWin, sumLoss float64
	var nWin, nLoss int
	for _, t := range trades {
		switch {
		case t.PnL > 0:
			sumWin += t.PnL
			nWin++
		case t.PnL < 0:
			sumLoss += t.PnL
			nLoss++
		}
	}
	if nWin > 0 {
		avgWin = sumWin / float64(nWin)
	}
	if nLoss > 0 {
		avgLoss = sumLoss / float64(nLoss)
	}
	return avgWin, avgLoss
}

// ProfitFactor is gross profit divided by gross loss. It is ProfitFactorCap
// when there are profits and no losses, and zero when there are neither.
func ProfitFactor(trades []domain.Trade) float64 {
	var grossProfit, grossLoss float64
	for _, t := range trades {
		if t.PnL > 0 {
			grossProfit += t.PnL
		} else {
			grossLoss -= t.PnL
		}
	}
	if grossLoss == 0 {
		if grossProfit > 0 {
			return ProfitFactorCap
		}
		return 0
	}
	return math.Min(grossProfit/grossLoss, ProfitFactorCap)
}

// Expectancy is the expected P&L per trade:
// winRate*avgWin - (1-winRate)*|avgLoss|.
func Expectancy(trades []domain.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	wr := WinRate(trades)
	avgWin, avgLoss := AvgWinLoss(trades)
	return wr*avgWin - (1-wr)*math.Abs(avgLoss)
}

// AnnualizedReturn is the geometric annual return implied by moving from
// startEquity to endEquity over the calendar time between start and end.
func AnnualizedReturn(startEquity, endEquity float64, start, end time.Time) float64 {
	days := end.Sub(start).Hours() / 24
	if startEquity <= 0 || days <= 0 {
		return 0
	}
	if endEquity <= 0 {
		return -1
	}
	return math.Pow(endEquity/startEquity, 365/days) - 1
}

// MaxDrawdown is the largest peak-to-trough decline in equity, as a fraction
// of the peak.
func MaxDrawdown(equity []float64) float64 {
	var peak, maxDD float64
	for i, e := range equity {
		if i == 0 || e > peak {
			peak = e
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - e) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Returns converts an equity series into simple period returns. Periods
// starting from non-positive equity are skipped.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		out = append(out, equity[i]/equity[i-1]-1)
	}
	return out
}

// EquityValues extracts the equity values from a curve.
func EquityValues(points []domain.EquityPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Equity
	}
	return out
}

// Sharpe is the annualised Sharpe ratio of daily returns against an annual
// risk-free rate. It is zero when fewer than two returns are available or
// the returns have no variance.
func Sharpe(returns []float64, riskFreeRate float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	rf := riskFreeRate / TradingDaysPerYear
	mean := 0.0
	for _, r := range returns {
		mean += r - rf
	}
	mean /= float64(len(returns))

	sd := StdDev(returns)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return mean / sd * math.Sqrt(TradingDaysPerYear)
}

// Sortino is the annualised Sortino ratio: mean excess daily return over the
// sample standard deviation of the negative-return days. ok is false when
// that deviation is undefined or zero, which includes having no negative
// days at all.
func Sortino(returns []float64, riskFreeRate float64) (value float64, ok bool) {
	if len(returns) == 0 {
		return 0, false
	}
	rf := riskFreeRate / TradingDaysPerYear
	mean := 0.0
	var down []float64
	for _, r := range returns {
		mean += r - rf
		if r < 0 {
			down = append(down, r)
		}
	}
	if len(down) < 2 {
		return 0, false
	}
	mean /= float64(len(returns))
	sd := StdDev(down)
	if sd == 0 || math.IsNaN(sd) {
		return 0, false
	}
	return mean / sd * math.Sqrt(TradingDaysPerYear), true
}

// EquitySharpe is Sharpe applied to the returns of an equity curve.
func EquitySharpe(points []domain.EquityPoint, riskFreeRate float64) float64 {
	return Sharpe(Returns(EquityValues(points)), riskFreeRate)
}

// StdDev is the sample standard deviation of xs.
func StdDev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// Mean is the arithmetic mean of xs, or zero for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
