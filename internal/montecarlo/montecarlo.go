// Package montecarlo tests whether a trade sequence's edge survives
// reordering. Trades are shuffled (without replacement) many times and the
// distribution of path statistics is reported.
package montecarlo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"riskgate/internal/domain"
	"riskgate/internal/metrics"
	"riskgate/internal/util"
)

// ErrInvalidIterations is returned when the iteration count is not positive.
var ErrInvalidIterations = errors.New("montecarlo: iterations must be positive")

// MinTrades is the smallest trade count that yields a non-degenerate result.
const MinTrades = 10

// chunkSize permutations share one random stream. Streams are keyed by
// chunk so results do not depend on the worker count.
const chunkSize = 64

// Config controls a Validator.
type Config struct {
	Iterations int `yaml:"iterations" json:"iterations"`
	// Seed fixes the permutation sequence. Zero picks a seed from the clock;
	// the seed used is reported in the Result.
	Seed           uint64  `yaml:"seed" json:"seed"`
	InitialCapital float64 `yaml:"initial_capital" json:"initial_capital"`
	Workers        int     `yaml:"workers" json:"workers"`
	RiskFreeRate   float64 `yaml:"risk_free_rate" json:"risk_free_rate"`
}

// DefaultConfig returns 1000 iterations on 100k of capital.
func DefaultConfig() Config {
	return Config{
		Iterations:     1000,
		InitialCapital: 100000,
		Workers:        runtime.NumCPU(),
	}
}

// Result summarises the permutation distribution. Percentages are in
// [0, 100]; drawdowns are fractions.
type Result struct {
	Iterations int    `json:"iterations"`
	Trades     int    `json:"trades"`
	Seed       uint64 `json:"seed"`
	// Degenerate is set when there were fewer than MinTrades trades; all
	// statistics are then zero.
	Degenerate bool `json:"degenerate"`

	OriginalSharpe float64 `json:"original_sharpe"`
	MeanSharpe     float64 `json:"mean_sharpe"`
	MedianSharpe   float64 `json:"median_sharpe"`
	StdSharpe      float64 `json:"std_sharpe"`
	SharpeP5       float64 `json:"sharpe_p5"`
	SharpeP95      float64 `json:"sharpe_p95"`

	ProbabilityProfitable float64 `json:"probability_profitable"`
	WorstDrawdown         float64 `json:"worst_drawdown"`
	AvgDrawdown           float64 `json:"avg_drawdown"`
	FinalEquityP5         float64 `json:"final_equity_p5"`
	FinalEquityP95        float64 `json:"final_equity_p95"`
	// Confidence is the percentage of permutations with a positive Sharpe.
	Confidence float64 `json:"confidence"`
}

// Validator runs permutation tests.
type Validator struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and returns a Validator.
func New(cfg Config, log *slog.Logger) (*Validator, error) {
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIterations, cfg.Iterations)
	}
	if !(cfg.InitialCapital > 0) {
		return nil, fmt.Errorf("montecarlo: initial capital must be positive, got %v", cfg.InitialCapital)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Validator{cfg: cfg, log: util.Component(log, "montecarlo")}, nil
}

type pathStats struct {
	sharpe      float64
	maxDrawdown float64
	final       float64
}

// simulate walks one ordering of pnls. Returns are taken relative to the
// equity before each trade; a path that reaches zero equity stops trading.
func simulate(pnls []float64, capital, rf float64, returns []float64) pathStats {
	returns = returns[:0]
	equity, peak, maxDD := capital, capital, 0.0
	for _, pnl := range pnls {
		if equity <= 0 {
			break
		}
		returns = append(returns, pnl/equity)
		equity = math.Max(equity+pnl, 0)
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return pathStats{
		sharpe:      metrics.Sharpe(returns, rf),
		maxDrawdown: maxDD,
		final:       equity,
	}
}

// Run permutes trades Iterations times. Trades are not modified.
func (v *Validator) Run(ctx context.Context, trades []domain.Trade) (*Result, error) {
	seed := v.cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	res := &Result{Iterations: v.cfg.Iterations, Trades: len(trades), Seed: seed}

	if len(trades) < MinTrades {
		res.Degenerate = true
		v.log.Info("monte carlo degenerate", "trades", len(trades), "min_trades", MinTrades)
		return res, nil
	}

	pnls := make([]float64, len(trades))
	for i, t := range trades {
		pnls[i] = t.PnL
	}
	original := simulate(pnls, v.cfg.InitialCapital, v.cfg.RiskFreeRate, make([]float64, 0, len(pnls)))

	n := v.cfg.Iterations
	stats := make([]pathStats, n)
	chunks := (n + chunkSize - 1) / chunkSize

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Workers)
	for c := 0; c < chunks; c++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, uint64(c)))
			perm := slices.Clone(pnls)
			buf := make([]float64, 0, len(pnls))
			for i := c * chunkSize; i < min((c+1)*chunkSize, n); i++ {
				rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
				stats[i] = simulate(perm, v.cfg.InitialCapital, v.cfg.RiskFreeRate, buf)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sharpes := make([]float64, n)
	finals := make([]float64, n)
	var profitable, positive int
	var ddSum float64
	for i, s := range stats {
		sharpes[i] = s.sharpe
		finals[i] = s.final
		if s.final > v.cfg.InitialCapital {
			profitable++
		}
		if s.sharpe > 0 {
			positive++
		}
		ddSum += s.maxDrawdown
		res.WorstDrawdown = math.Max(res.WorstDrawdown, s.maxDrawdown)
	}
	slices.Sort(sharpes)
	slices.Sort(finals)

	res.OriginalSharpe = metrics.Round(original.sharpe)
	res.MeanSharpe = metrics.Round(metrics.Mean(sharpes))
	res.MedianSharpe = metrics.Round(Percentile(sharpes, 0.5))
	res.StdSharpe = metrics.Round(metrics.StdDev(sharpes))
	res.SharpeP5 = metrics.Round(Percentile(sharpes, 0.05))
	res.SharpeP95 = metrics.Round(Percentile(sharpes, 0.95))
	res.ProbabilityProfitable = metrics.Round(100 * float64(profitable) / float64(n))
	res.Confidence = metrics.Round(100 * float64(positive) / float64(n))
	res.WorstDrawdown = metrics.Round(res.WorstDrawdown)
	res.AvgDrawdown = metrics.Round(ddSum / float64(n))
	res.FinalEquityP5 = metrics.Round(Percentile(finals, 0.05))
	res.FinalEquityP95 = metrics.Round(Percentile(finals, 0.95))

	v.log.Info("monte carlo finished",
		"iterations", n,
		"trades", len(trades),
		"median_sharpe", res.MedianSharpe,
		"probability_profitable", res.ProbabilityProfitable,
		"worst_drawdown", res.WorstDrawdown,
	)
	return res, nil
}

// Percentile returns the p-quantile (0 <= p <= 1) of sorted using linear
// interpolation between closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, n-1)
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
