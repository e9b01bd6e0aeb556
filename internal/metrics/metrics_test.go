package metrics

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"riskgate/internal/domain"
)

func pnls(values ...float64) []domain.Trade {
	out := make([]domain.Trade, len(values))
	for i, v := range values {
		out[i] = domain.Trade{Symbol: "AAPL", PnL: v, ExitReason: domain.ExitSignal}
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestWinRateAndAverages(t *testing.T) {
	trades := pnls(100, -50, 200, -25)

	if got := WinRate(trades); got != 0.5 {
		t.Errorf("WinRate = %v, want 0.5", got)
	}
	avgWin, avgLoss := AvgWinLoss(trades)
	if avgWin != 150 {
		t.Errorf("avgWin = %v, want 150", avgWin)
	}
	if avgLoss != -37.5 {
		t.Errorf("avgLoss = %v, want -37.5", avgLoss)
	}
	// 0.5*150 - 0.5*37.5
	if got := Expectancy(trades); !almostEqual(got, 56.25) {
		t.Errorf("Expectancy = %v, want 56.25", got)
	}
	if got := ProfitFactor(trades); !almostEqual(got, 4) {
		t.Errorf("ProfitFactor = %v, want 4", got)
	}
}

func TestProfitFactorSentinel(t *testing.T) {
	pf := ProfitFactor(pnls(10, 20, 5))
	if pf != ProfitFactorCap {
		t.Fatalf("ProfitFactor with no losses = %v, want %v", pf, ProfitFactorCap)
	}
	if math.IsInf(pf, 0) || math.IsNaN(pf) {
		t.Fatal("ProfitFactor sentinel must be finite")
	}
	if !(pf > 2) {
		t.Error("sentinel should compare greater than ordinary profit factors")
	}
	if _, err := json.Marshal(pf); err != nil {
		t.Errorf("sentinel does not serialise: %v", err)
	}

	if got := ProfitFactor(nil); got != 0 {
		t.Errorf("ProfitFactor(nil) = %v, want 0", got)
	}
	if got := ProfitFactor(pnls(0, 0)); got != 0 {
		t.Errorf("ProfitFactor of flat trades = %v, want 0", got)
	}
}

func TestMaxDrawdown(t *testing.T) {
	tests := []struct {
		equity []float64
		want   float64
	}{
		{nil, 0},
		{[]float64{100, 110, 120}, 0},
		{[]float64{100, 80, 120, 90, 130}, 0.25},
		{[]float64{100, 50}, 0.5},
	}
	for _, tt := range tests {
		if got := MaxDrawdown(tt.equity); !almostEqual(got, tt.want) {
			t.Errorf("MaxDrawdown(%v) = %v, want %v", tt.equity, got, tt.want)
		}
	}
}

func TestSharpe(t *testing.T) {
	if got := Sharpe([]float64{0.01}, 0); got != 0 {
		t.Errorf("Sharpe of one return = %v, want 0", got)
	}
	if got := Sharpe([]float64{0.01, 0.01, 0.01}, 0); got != 0 {
		t.Errorf("Sharpe of constant returns = %v, want 0", got)
	}

	returns := []float64{0.01, -0.005, 0.02, 0.0}
	mean := 0.025 / 4
	sd := StdDev(returns)
	want := mean / sd * math.Sqrt(252)
	if got := Sharpe(returns, 0); !almostEqual(got, want) {
		t.Errorf("Sharpe = %v, want %v", got, want)
	}

	// A positive risk-free rate lowers the ratio.
	if Sharpe(returns, 0.05) >= Sharpe(returns, 0) {
		t.Error("risk-free rate did not reduce Sharpe")
	}
}

func TestSortino(t *testing.T) {
	if _, ok := Sortino([]float64{0.01, 0.02}, 0); ok {
		t.Error("Sortino with no negative days should be undefined")
	}
	if _, ok := Sortino([]float64{0.01, -0.02, 0.03}, 0); ok {
		t.Error("Sortino with one negative day should be undefined")
	}
	if _, ok := Sortino([]float64{0.05, -0.01, -0.01}, 0); ok {
		t.Error("Sortino with flat downside should be undefined")
	}

	// mean 0.0025, negative days {-0.01, -0.03} with sample sd 0.0141421.
	v, ok := Sortino([]float64{0.02, -0.01, 0.03, -0.03}, 0)
	if !ok {
		t.Fatal("Sortino undefined with negative days")
	}
	want := 0.0025 / math.Sqrt(0.0002) * math.Sqrt(252)
	if !almostEqual(v, want) {
		t.Errorf("Sortino = %v, want %v", v, want)
	}
	if math.Abs(v-2.8062) > 1e-4 {
		t.Errorf("Sortino = %.4f, want 2.8062", v)
	}

	// Classification is by raw return, not excess return: 0.0001 stays
	// out of the downside set even when the risk-free rate exceeds it.
	rf := 0.0504
	returns := []float64{0.0001, -0.01, 0.02, -0.02}
	v, ok = Sortino(returns, rf)
	if !ok {
		t.Fatal("Sortino undefined with risk-free rate")
	}
	mean := (0.0001+-0.01+0.02+-0.02)/4 - rf/252
	want = mean / StdDev([]float64{-0.01, -0.02}) * math.Sqrt(252)
	if !almostEqual(v, want) {
		t.Errorf("Sortino(rf) = %v, want %v", v, want)
	}
}

func TestAnnualizedReturn(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 365)
	if got := AnnualizedReturn(100, 110, start, end); !almostEqual(got, 0.1) {
		t.Errorf("AnnualizedReturn over one year = %v, want 0.1", got)
	}
	if got := AnnualizedReturn(100, 110, start, start); got != 0 {
		t.Errorf("AnnualizedReturn over zero days = %v, want 0", got)
	}
	if got := AnnualizedReturn(100, 0, start, end); got != -1 {
		t.Errorf("AnnualizedReturn to zero equity = %v, want -1", got)
	}
}

func TestRound(t *testing.T) {
	if got := Round(0.123456789123); got != 0.12345679 {
		t.Errorf("Round = %v, want 0.12345679", got)
	}
	if got := RoundTo(12.345, 2); got != 12.35 {
		t.Errorf("RoundTo = %v, want 12.35", got)
	}
	if !math.IsNaN(Round(math.NaN())) {
		t.Error("Round(NaN) should stay NaN")
	}
}

func TestSummarize(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	equity := []domain.EquityPoint{
		{Time: start, Equity: 10000},
		{Time: start.AddDate(0, 0, 1), Equity: 10100},
		{Time: start.AddDate(0, 0, 2), Equity: 10050},
		{Time: start.AddDate(0, 0, 3), Equity: 10250},
		{Time: start.AddDate(0, 0, 4), Equity: 10200},
	}
	trades := pnls(100, -50, 150)
	trades[0].SlippageCost = 1.5
	trades[2].SlippageCost = 2

	s := Summarize(trades, equity, 10000, 0)
	if s.Trades != 3 {
		t.Errorf("Trades = %d, want 3", s.Trades)
	}
	if !almostEqual(s.TotalReturn, 0.02) {
		t.Errorf("TotalReturn = %v, want 0.02", s.TotalReturn)
	}
	if !almostEqual(s.SlippageCost, 3.5) {
		t.Errorf("SlippageCost = %v, want 3.5", s.SlippageCost)
	}
	if !s.SortinoDefined {
		t.Error("SortinoDefined = false, want true")
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Summary
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back != s {
		t.Errorf("round trip = %+v, want %+v", back, s)
	}
}
