// Package walkforward validates a strategy out of sample. The bar series is
// split into equal, non-overlapping windows; each window's parameters are
// fitted on its leading train slice and then traded unchanged on the
// trailing test slice.
package walkforward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"riskgate/internal/domain"
	"riskgate/internal/metrics"
	"riskgate/internal/strategy"
	"riskgate/internal/util"
)

var (
	// ErrInvalidConfig is returned for unusable window settings.
	ErrInvalidConfig = errors.New("walkforward: invalid config")
	// ErrSeriesTooShort is returned when the series cannot fill the
	// requested number of windows.
	ErrSeriesTooShort = errors.New("walkforward: series too short")
)

// Config controls window layout and execution.
type Config struct {
	Windows       int     `yaml:"windows" json:"windows"`
	TrainFraction float64 `yaml:"train_fraction" json:"train_fraction"`
	// MaxCombinations caps the grid combinations evaluated per window.
	MaxCombinations int `yaml:"max_combinations" json:"max_combinations"`
	// Workers bounds the number of windows processed concurrently.
	Workers int `yaml:"workers" json:"workers"`
	// ForceClose closes positions still open at the end of a test slice.
	ForceClose   bool    `yaml:"force_close" json:"force_close"`
	RiskFreeRate float64 `yaml:"risk_free_rate" json:"risk_free_rate"`

	// FetchAttempts and FetchBackoff govern RunSource retries.
	FetchAttempts int           `yaml:"fetch_attempts" json:"fetch_attempts"`
	FetchBackoff  time.Duration `yaml:"fetch_backoff" json:"fetch_backoff"`

	// MinRobustnessScore is the adoption threshold for new parameters.
	MinRobustnessScore float64 `yaml:"min_robustness_score" json:"min_robustness_score"`
}

// DefaultConfig returns five windows with a 70/30 train/test split.
func DefaultConfig() Config {
	return Config{
		Windows:            5,
		TrainFraction:      0.7,
		MaxCombinations:    strategy.DefaultMaxCombinations,
		Workers:            runtime.NumCPU(),
		ForceClose:         true,
		FetchAttempts:      3,
		FetchBackoff:       time.Second,
		MinRobustnessScore: 60,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Windows < 1 {
		return fmt.Errorf("%w: windows must be >= 1, got %d", ErrInvalidConfig, c.Windows)
	}
	if !(c.TrainFraction > 0 && c.TrainFraction < 1) {
		return fmt.Errorf("%w: train_fraction must be in (0, 1), got %v", ErrInvalidConfig, c.TrainFraction)
	}
	return nil
}

// BarSource supplies ordered bars for a symbol over [start, end).
type BarSource interface {
	Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// Span is a contiguous slice of bars. From and To index [From, To) into the
// series given to Run; for RunSource they index the window's own fetch.
type Span struct {
	From  int       `json:"from"`
	To    int       `json:"to"`
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// Len is the number of bars in the span.
func (s Span) Len() int { return s.To - s.From }

// Window is one train/test pass.
type Window struct {
	Index int  `json:"index"`
	Train Span `json:"train"`
	Test  Span `json:"test"`

	Params            strategy.ParameterSet `json:"params"`
	InSampleSharpe    float64               `json:"in_sample_sharpe"`
	OutOfSampleSharpe float64               `json:"out_of_sample_sharpe"`
	Combinations      int                   `json:"combinations"`
	Evaluated         int                   `json:"evaluated"`
	Truncated         bool                  `json:"truncated"`

	TestReturn   float64        `json:"test_return"`
	SlippageCost float64        `json:"slippage_cost"`
	Trades       []domain.Trade `json:"trades"`

	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// Orchestrator drives the Optimizer and Runner across windows.
type Orchestrator struct {
	cfg       Config
	runner    *strategy.Runner
	optimizer *strategy.Optimizer
	log       *slog.Logger
}

// New returns an Orchestrator. A nil log uses the default logger.
func New(cfg Config, runner *strategy.Runner, log *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		cfg:       cfg,
		runner:    runner,
		optimizer: strategy.NewOptimizer(runner, strategy.SharpeObjective(cfg.RiskFreeRate), cfg.MaxCombinations),
		log:       util.Component(log, "walkforward"),
	}, nil
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

type windowPlan struct {
	from, to int
}

// plan lays out Windows equal-length windows ending at the last bar. The
// n mod Windows oldest bars are left out.
func (o *Orchestrator) plan(n int) ([]windowPlan, error) {
	wl := n / o.cfg.Windows
	if wl < 2 {
		return nil, fmt.Errorf("%w: %d bars for %d windows", ErrSeriesTooShort, n, o.cfg.Windows)
	}
	offset := n - wl*o.cfg.Windows
	plans := make([]windowPlan, o.cfg.Windows)
	for k := range plans {
		from := offset + k*wl
		plans[k] = windowPlan{from: from, to: from + wl}
	}
	return plans, nil
}

// Run walks s forward over bars. Input errors fail the run; windows whose
// slices are too short for the strategy are skipped. If ctx is cancelled the
// windows finished so far are aggregated into a Result marked Partial and
// returned alongside the context error.
func (o *Orchestrator) Run(ctx context.Context, bars []domain.Bar, s strategy.Strategy, grid *strategy.Grid) (*Result, error) {
	if err := strategy.ValidateBars(bars); err != nil {
		return nil, err
	}
	plans, err := o.plan(len(bars))
	if err != nil {
		return nil, err
	}

	res, err := o.dispatch(ctx, len(plans), func(ctx context.Context, k int) (Window, error) {
		p := plans[k]
		return o.runWindow(ctx, k, bars[p.from:p.to], p.from, s, grid)
	})
	if res != nil {
		res.Strategy = s.Name()
		res.Symbol = bars[0].Symbol
		res.Bars = len(bars)
	}
	return res, err
}

// RunSource splits [start, end) into equal calendar windows and fetches
// each from src with retries. A window whose fetch fails is skipped.
func (o *Orchestrator) RunSource(ctx context.Context, src BarSource, symbol string, start, end time.Time, s strategy.Strategy, grid *strategy.Grid) (*Result, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end %s not after start %s", ErrInvalidConfig, end, start)
	}
	step := end.Sub(start) / time.Duration(o.cfg.Windows)
	if step <= 0 {
		return nil, fmt.Errorf("%w: range too short for %d windows", ErrInvalidConfig, o.cfg.Windows)
	}

	fetched := make([]int, o.cfg.Windows)
	res, err := o.dispatch(ctx, o.cfg.Windows, func(ctx context.Context, k int) (Window, error) {
		ws := start.Add(time.Duration(k) * step)
		we := ws.Add(step)
		if k == o.cfg.Windows-1 {
			we = end
		}

		bars, err := util.RetryValue(ctx, o.cfg.FetchAttempts, o.cfg.FetchBackoff, func() ([]domain.Bar, error) {
			return src.Bars(ctx, symbol, ws, we)
		})
		if err != nil {
			if ctx.Err() != nil {
				return Window{}, ctx.Err()
			}
			return o.skip(Window{Index: k}, fmt.Sprintf("fetch failed: %v", err)), nil
		}
		if err := strategy.ValidateBars(bars); err != nil {
			return o.skip(Window{Index: k}, fmt.Sprintf("unusable bars: %v", err)), nil
		}
		fetched[k] = len(bars)
		return o.runWindow(ctx, k, bars, 0, s, grid)
	})
	if res != nil {
		res.Strategy = s.Name()
		res.Symbol = symbol
		for _, n := range fetched {
			res.Bars += n
		}
	}
	return res, err
}

// dispatch runs n windows on a bounded worker pool and aggregates them.
func (o *Orchestrator) dispatch(ctx context.Context, n int, fn func(ctx context.Context, k int) (Window, error)) (*Result, error) {
	started := time.Now()
	windows := make([]Window, n)
	done := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for k := 0; k < n; k++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w, err := fn(gctx, k)
			if err != nil {
				return err
			}
			windows[k] = w
			done[k] = true
			return nil
		})
	}
	err := g.Wait()

	finished := make([]Window, 0, n)
	for k, ok := range done {
		if ok {
			finished = append(finished, windows[k])
		}
	}

	if err != nil {
		if ctx.Err() == nil {
			return nil, err
		}
		res := aggregate(finished, n, o.runner.Config().InitialCapital)
		res.Partial = true
		o.log.Warn("walk-forward cancelled", "completed_windows", len(finished), "total_windows", n, "error", ctx.Err())
		return res, ctx.Err()
	}

	res := aggregate(finished, n, o.runner.Config().InitialCapital)
	o.log.Info("walk-forward finished",
		"windows", n,
		"completed", res.CompletedWindows,
		"skipped", res.SkippedWindows,
		"is_sharpe", res.InSampleSharpe,
		"oos_sharpe", res.OutOfSampleSharpe,
		"efficiency", res.Efficiency,
		"trades", res.TotalTrades,
		"robustness", res.RobustnessScore,
		"elapsed", time.Since(started),
	)
	return res, nil
}

// runWindow fits on the first TrainFraction of wbars and trades the rest.
// The test pass sees train bars as history only, so a window never reads
// bars outside itself. offset shifts reported indices into series space.
func (o *Orchestrator) runWindow(ctx context.Context, k int, wbars []domain.Bar, offset int, s strategy.Strategy, grid *strategy.Grid) (Window, error) {
	trainLen := int(float64(len(wbars)) * o.cfg.TrainFraction)
	w := Window{
		Index: k,
		Train: span(wbars, offset, 0, trainLen),
		Test:  span(wbars, offset, trainLen, len(wbars)),
	}
	if w.Test.Len() == 0 {
		return o.skip(w, "empty test slice"), nil
	}
	if w.Train.Len() == 0 {
		return o.skip(w, "empty train slice"), nil
	}

	opt, err := o.optimizer.Optimize(ctx, wbars[:trainLen], s, grid)
	if errors.Is(err, strategy.ErrEmptyRange) {
		return o.skip(w, "train slice shorter than strategy warm-up"), nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("window %d: optimize: %w", k, err)
	}

	var opts []strategy.RunOption
	if o.cfg.ForceClose {
		opts = append(opts, strategy.WithForceClose())
	}
	run, err := o.runner.Run(wbars, trainLen, s, opt.Params, opts...)
	if errors.Is(err, strategy.ErrEmptyRange) {
		return o.skip(w, "test slice shorter than strategy warm-up"), nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("window %d: test run: %w", k, err)
	}

	initial := o.runner.Config().InitialCapital
	w.Params = opt.Params
	w.InSampleSharpe = metrics.Round(finite(opt.Objective))
	w.OutOfSampleSharpe = metrics.Round(metrics.EquitySharpe(run.Equity, o.cfg.RiskFreeRate))
	w.Combinations = opt.Total
	w.Evaluated = opt.Evaluated
	w.Truncated = opt.Truncated
	w.TestReturn = metrics.Round(run.FinalEquity(initial)/initial - 1)
	w.Trades = make([]domain.Trade, len(run.Trades))
	for i, t := range run.Trades {
		t.EntryIndex += offset
		t.ExitIndex += offset
		w.Trades[i] = t
		w.SlippageCost += t.SlippageCost
	}
	w.SlippageCost = metrics.Round(w.SlippageCost)

	o.log.Info("window completed",
		"window", k,
		"params", opt.Params.String(),
		"is_sharpe", w.InSampleSharpe,
		"oos_sharpe", w.OutOfSampleSharpe,
		"trades", len(w.Trades),
	)
	return w, nil
}

func (o *Orchestrator) skip(w Window, reason string) Window {
	w.Skipped = true
	w.SkipReason = reason
	o.log.Warn("window skipped", "window", w.Index, "reason", reason)
	return w
}

func span(bars []domain.Bar, offset, from, to int) Span {
	s := Span{From: offset + from, To: offset + to}
	if to > from {
		s.First = bars[from].Timestamp
		s.Last = bars[to-1].Timestamp
	}
	return s
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
