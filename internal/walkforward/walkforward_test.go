package walkforward

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"riskgate/internal/domain"
	"riskgate/internal/slippage"
	"riskgate/internal/strategy"
	"riskgate/internal/strategy/builtins"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)

func waveBars(n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		c := 100 + 10*math.Sin(float64(i)/8) + 0.05*float64(i)
		bars[i] = domain.Bar{
			Symbol:    "WAVE",
			Timestamp: t0.AddDate(0, 0, i),
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    500_000,
		}
	}
	return bars
}

func newRunner(t *testing.T) *strategy.Runner {
	t.Helper()
	cfg := strategy.DefaultRunnerConfig()
	cfg.Slippage = slippage.DefaultConfig()
	cfg.Slippage.Seed = 11
	r, err := strategy.NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func newOrchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.FetchBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg, newRunner(t), quiet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func smaGrid(t *testing.T) *strategy.Grid {
	t.Helper()
	g, err := strategy.NewGrid(
		strategy.NumericSpec("fast", 3, 5),
		strategy.NumericSpec("slow", 10, 20),
	)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func TestPlanWindowsDoNotOverlap(t *testing.T) {
	for _, windows := range []int{1, 3, 5, 7} {
		for _, n := range []int{14, 100, 101, 499} {
			o := newOrchestrator(t, func(c *Config) { c.Windows = windows })
			plans, err := o.plan(n)
			if err != nil {
				t.Fatalf("plan(%d) with %d windows: %v", n, windows, err)
			}
			if last := plans[len(plans)-1]; last.to != n {
				t.Errorf("n=%d windows=%d: last window ends at %d, want %d", n, windows, last.to, n)
			}
			for k := 1; k < len(plans); k++ {
				if plans[k].from < plans[k-1].to {
					t.Errorf("n=%d windows=%d: window %d starts at %d before previous end %d",
						n, windows, k, plans[k].from, plans[k-1].to)
				}
				if plans[k].to-plans[k].from != plans[0].to-plans[0].from {
					t.Errorf("n=%d windows=%d: unequal window lengths", n, windows)
				}
			}
		}
	}

	o := newOrchestrator(t, func(c *Config) { c.Windows = 10 })
	if _, err := o.plan(15); !errors.Is(err, ErrSeriesTooShort) {
		t.Errorf("plan(15) error = %v, want ErrSeriesTooShort", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Windows: 0, TrainFraction: 0.7},
		{Windows: 3, TrainFraction: 0},
		{Windows: 3, TrainFraction: 1},
	} {
		if _, err := New(cfg, newRunner(t), quiet); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("New(%+v) error = %v, want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestRunProducesOrderedWindows(t *testing.T) {
	o := newOrchestrator(t, nil)
	bars := waveBars(500)

	res, err := o.Run(context.Background(), bars, builtins.NewSMACross(5, 20), smaGrid(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalWindows != 5 || len(res.Windows) != 5 {
		t.Fatalf("windows = %d/%d, want 5", len(res.Windows), res.TotalWindows)
	}
	if res.CompletedWindows != 5 {
		t.Errorf("CompletedWindows = %d, want 5", res.CompletedWindows)
	}
	if res.Strategy != "sma-cross" || res.Symbol != "WAVE" || res.Bars != 500 {
		t.Errorf("identity = %s/%s/%d", res.Strategy, res.Symbol, res.Bars)
	}

	for k, w := range res.Windows {
		if w.Index != k {
			t.Errorf("window %d has index %d", k, w.Index)
		}
		if w.Train.To != w.Test.From {
			t.Errorf("window %d: train ends at %d, test starts at %d", k, w.Train.To, w.Test.From)
		}
		if !w.Train.Last.Before(w.Test.First) {
			t.Errorf("window %d: train last %s not before test first %s", k, w.Train.Last, w.Test.First)
		}
		if k > 0 {
			prev := res.Windows[k-1]
			if w.Test.From < prev.Test.To || !w.Test.First.After(prev.Test.Last) {
				t.Errorf("window %d test range overlaps window %d", k, k-1)
			}
			if w.Train.From < prev.Test.To {
				t.Errorf("window %d trains on bars tested by window %d", k, k-1)
			}
		}
		for _, tr := range w.Trades {
			if tr.EntryIndex < w.Test.From || tr.ExitIndex >= w.Test.To {
				t.Errorf("window %d trade %d-%d outside test span [%d,%d)", k, tr.EntryIndex, tr.ExitIndex, w.Test.From, w.Test.To)
			}
		}
		if w.Params.Len() != 2 {
			t.Errorf("window %d params = %s", k, w.Params)
		}
	}

	if res.TotalTrades == 0 {
		t.Fatal("expected trades on a wave series")
	}
	if res.TotalTrades != len(res.Trades()) {
		t.Errorf("TotalTrades = %d, pooled %d", res.TotalTrades, len(res.Trades()))
	}
	if res.SlippageCost <= 0 || res.CostDragPct <= 0 {
		t.Errorf("cost drag = %v / %v, want positive", res.SlippageCost, res.CostDragPct)
	}
	if res.RobustnessScore < 0 || res.RobustnessScore > 100 {
		t.Errorf("RobustnessScore = %v out of range", res.RobustnessScore)
	}
	if res.InSampleSharpe > 0 {
		want := res.OutOfSampleSharpe / res.InSampleSharpe
		if math.Abs(res.Efficiency-want) > 1e-6 {
			t.Errorf("Efficiency = %v, want %v", res.Efficiency, want)
		}
	}
	if _, ok := res.LatestParams(); !ok {
		t.Error("LatestParams found nothing")
	}
}

func TestRunIsDeterministic(t *testing.T) {
	bars := waveBars(400)
	a, err := newOrchestrator(t, nil).Run(context.Background(), bars, builtins.NewSMACross(5, 20), smaGrid(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b, err := newOrchestrator(t, func(c *Config) { c.Workers = 1 }).Run(context.Background(), bars, builtins.NewSMACross(5, 20), smaGrid(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Error("results differ between worker counts")
	}
}

// spy records the first and last close of every history it is shown.
type spy struct {
	mu    sync.Mutex
	views [][2]float64
}

func (s *spy) Name() string                       { return "spy" }
func (s *spy) Warmup(_ strategy.ParameterSet) int { return 1 }
func (s *spy) Signal(i int, h strategy.History, _ strategy.ParameterSet, st strategy.State) (strategy.Signal, strategy.State) {
	s.mu.Lock()
	s.views = append(s.views, [2]float64{h.Close[0], h.Close[i]})
	s.mu.Unlock()
	switch i % 4 {
	case 0:
		return strategy.Enter(domain.SideLong), st
	case 2:
		return strategy.Exit(), st
	}
	return strategy.None, st
}

func TestRunNeverReadsAcrossWindows(t *testing.T) {
	// Close encodes the bar index so every view can be located.
	bars := make([]domain.Bar, 200)
	for i := range bars {
		c := float64(1000 + i)
		bars[i] = domain.Bar{Symbol: "IDX", Timestamp: t0.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	o := newOrchestrator(t, nil)
	sp := &spy{}
	grid, _ := strategy.NewGrid(strategy.NumericSpec("x", 1, 2))

	res, err := o.Run(context.Background(), bars, sp, grid)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	windowOf := func(close float64) int {
		idx := int(close) - 1000
		for _, w := range res.Windows {
			if idx >= w.Train.From && idx < w.Test.To {
				return w.Index
			}
		}
		return -1
	}
	for _, v := range sp.views {
		first, last := windowOf(v[0]), windowOf(v[1])
		if first < 0 || first != last {
			t.Fatalf("strategy saw bars %v..%v spanning windows %d and %d", v[0], v[1], first, last)
		}
	}
}

func TestRunSkipsWindowsShorterThanWarmup(t *testing.T) {
	o := newOrchestrator(t, nil)
	// 100 bars, 5 windows of 20: 14 train bars cannot fit a 30-bar warm-up.
	res, err := o.Run(context.Background(), waveBars(100), builtins.NewSMACross(5, 30), mustGrid(t, strategy.NumericSpec("slow", 30)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SkippedWindows != 5 || res.CompletedWindows != 0 {
		t.Fatalf("skipped/completed = %d/%d, want 5/0", res.SkippedWindows, res.CompletedWindows)
	}
	for _, w := range res.Windows {
		if !w.Skipped || !strings.Contains(w.SkipReason, "warm-up") {
			t.Errorf("window %d: skipped=%v reason=%q", w.Index, w.Skipped, w.SkipReason)
		}
	}
	if res.Efficiency != 0 || res.TotalTrades != 0 {
		t.Errorf("Efficiency=%v TotalTrades=%d, want zeros", res.Efficiency, res.TotalTrades)
	}
}

func mustGrid(t *testing.T, specs ...strategy.ParameterSpec) *strategy.Grid {
	t.Helper()
	g, err := strategy.NewGrid(specs...)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func TestRunRejectsInvalidBars(t *testing.T) {
	bars := waveBars(100)
	bars[50].Close = -1
	_, err := newOrchestrator(t, nil).Run(context.Background(), bars, builtins.NewSMACross(3, 10), smaGrid(t))
	if !errors.Is(err, strategy.ErrInvalidPrice) {
		t.Errorf("error = %v, want ErrInvalidPrice", err)
	}
}

// cancelling calls cancel once it is shown a bar from the third window.
type cancelling struct {
	threshold float64
	cancel    context.CancelFunc
}

func (c *cancelling) Name() string                       { return "cancelling" }
func (c *cancelling) Warmup(_ strategy.ParameterSet) int { return 1 }
func (c *cancelling) Signal(i int, h strategy.History, _ strategy.ParameterSet, st strategy.State) (strategy.Signal, strategy.State) {
	if h.Close[i] >= c.threshold {
		c.cancel()
	}
	return strategy.None, st
}

func TestRunCancellationKeepsFinishedWindows(t *testing.T) {
	bars := make([]domain.Bar, 100)
	for i := range bars {
		c := float64(1000 + i)
		bars[i] = domain.Bar{Symbol: "IDX", Timestamp: t0.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := newOrchestrator(t, func(c *Config) { c.Workers = 1 })
	s := &cancelling{threshold: 1040, cancel: cancel} // window 2 starts at bar 40
	res, err := o.Run(ctx, bars, s, mustGrid(t, strategy.NumericSpec("x", 1, 2, 3)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if res == nil || !res.Partial {
		t.Fatalf("result = %+v, want partial result", res)
	}
	if res.CompletedWindows != 2 || len(res.Windows) != 2 {
		t.Errorf("completed = %d (%d windows), want 2", res.CompletedWindows, len(res.Windows))
	}
	for k, w := range res.Windows {
		if w.Index != k {
			t.Errorf("window %d has index %d", k, w.Index)
		}
	}
}

type fakeSource struct {
	bars  []domain.Bar
	fail  time.Time // windows starting here always fail
	calls atomic.Int32
}

func (f *fakeSource) Bars(_ context.Context, _ string, start, end time.Time) ([]domain.Bar, error) {
	if start.Equal(f.fail) {
		f.calls.Add(1)
		return nil, errors.New("upstream unavailable")
	}
	var out []domain.Bar
	for _, b := range f.bars {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestRunSourceSkipsFailedFetch(t *testing.T) {
	bars := waveBars(400)
	start, end := bars[0].Timestamp, bars[len(bars)-1].Timestamp.Add(24*time.Hour)
	step := end.Sub(start) / 4
	src := &fakeSource{bars: bars, fail: start.Add(step)}

	o := newOrchestrator(t, func(c *Config) { c.Windows = 4; c.FetchAttempts = 2 })
	res, err := o.RunSource(context.Background(), src, "WAVE", start, end, builtins.NewSMACross(5, 20), smaGrid(t))
	if err != nil {
		t.Fatalf("RunSource: %v", err)
	}
	if res.SkippedWindows != 1 || res.CompletedWindows != 3 {
		t.Fatalf("skipped/completed = %d/%d, want 1/3", res.SkippedWindows, res.CompletedWindows)
	}
	w := res.Windows[1]
	if !w.Skipped || !strings.Contains(w.SkipReason, "fetch failed") {
		t.Errorf("window 1: skipped=%v reason=%q", w.Skipped, w.SkipReason)
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("failing fetch attempted %d times, want 2", got)
	}
	if res.Bars != 300 {
		t.Errorf("Bars = %d, want 300", res.Bars)
	}
	for k := 1; k < len(res.Windows); k++ {
		prev, cur := res.Windows[k-1], res.Windows[k]
		if prev.Skipped || cur.Skipped {
			continue
		}
		if !cur.Test.First.After(prev.Test.Last) {
			t.Errorf("window %d test overlaps window %d", k, k-1)
		}
	}
}

func TestResultJSONRoundTrip(t *testing.T) {
	res, err := newOrchestrator(t, nil).Run(context.Background(), waveBars(300), builtins.NewSMACross(5, 20), smaGrid(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Result
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	again, err := json.Marshal(&back)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(again) != string(data) {
		t.Error("JSON round trip changed the result")
	}
	if back.RobustnessScore != res.RobustnessScore || back.Efficiency != res.Efficiency {
		t.Errorf("scores changed: %v/%v -> %v/%v", res.RobustnessScore, res.Efficiency, back.RobustnessScore, back.Efficiency)
	}
	if len(back.Windows) != len(res.Windows) || !back.Windows[0].Params.Equal(res.Windows[0].Params) {
		t.Error("window params changed in round trip")
	}
}

func TestAggregateEfficiencyNeedsPositiveInSample(t *testing.T) {
	tests := []struct {
		name    string
		is, oos float64
		wantEff float64
	}{
		{"positive in-sample", 1.0, 0.5, 0.5},
		{"zero in-sample", 0, 0.8, 0},
		{"negative in-sample", -0.5, 0.8, 0},
		{"both negative", -0.5, -1.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			windows := []Window{
				{Index: 0, InSampleSharpe: tt.is, OutOfSampleSharpe: tt.oos},
				{Index: 1, InSampleSharpe: tt.is, OutOfSampleSharpe: tt.oos},
			}
			res := aggregate(windows, 2, 10000)
			if res.Efficiency != tt.wantEff {
				t.Errorf("Efficiency = %v, want %v", res.Efficiency, tt.wantEff)
			}
			want := RobustnessScore(RobustnessInputs{Efficiency: tt.wantEff})
			if res.RobustnessScore != want {
				t.Errorf("RobustnessScore = %v, want %v", res.RobustnessScore, want)
			}
		})
	}

	// A raw ratio of -1.6 would land in the lowest band; the zeroed
	// efficiency scores in the band below 0.2 instead.
	zeroed := RobustnessScore(RobustnessInputs{Efficiency: 0})
	raw := RobustnessScore(RobustnessInputs{Efficiency: 0.8 / -0.5})
	if zeroed-raw != 5 {
		t.Errorf("zeroed - raw score = %v, want 5", zeroed-raw)
	}
}
