package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"riskgate/internal/domain"
	"riskgate/internal/metrics"
)

// DefaultMaxCombinations bounds the number of grid combinations evaluated
// per optimisation.
const DefaultMaxCombinations = 100

// Objective scores a run; higher is better.
type Objective func(res *RunResult) float64

// SharpeObjective scores a run by the annualised Sharpe ratio of its equity
// curve.
func SharpeObjective(riskFreeRate float64) Objective {
	return func(res *RunResult) float64 {
		return metrics.EquitySharpe(res.Equity, riskFreeRate)
	}
}

// Optimizer grid-searches parameter combinations with a Runner. Only the
// first MaxCombinations combinations in generation order are evaluated; the
// rest of the grid is ignored and reported as truncated.
type Optimizer struct {
	runner          *Runner
	objective       Objective
	maxCombinations int
}

// NewOptimizer returns an Optimizer. A non-positive maxCombinations uses
// DefaultMaxCombinations; a nil objective uses SharpeObjective(0).
func NewOptimizer(runner *Runner, objective Objective, maxCombinations int) *Optimizer {
	if maxCombinations <= 0 {
		maxCombinations = DefaultMaxCombinations
	}
	if objective == nil {
		objective = SharpeObjective(0)
	}
	return &Optimizer{runner: runner, objective: objective, maxCombinations: maxCombinations}
}

// OptimizeResult is the winning parameter set of a grid search.
type OptimizeResult struct {
	Params    ParameterSet
	Objective float64
	// Total is the grid size; Evaluated counts combinations that produced a
	// run; Skipped counts combinations whose warm-up exceeded the range.
	Total     int
	Evaluated int
	Skipped   int
	Truncated bool
}

// Optimize evaluates grid combinations over bars and returns the one with
// the highest objective. Ties keep the combination generated first. A
// combination whose warm-up leaves no bars to trade is skipped; if every
// combination is skipped ErrEmptyRange is returned.
func (o *Optimizer) Optimize(ctx context.Context, bars []domain.Bar, s Strategy, grid *Grid) (*OptimizeResult, error) {
	if err := ValidateBars(bars); err != nil {
		return nil, err
	}
	hist := NewHistory(bars)

	res := &OptimizeResult{
		Total:     grid.Size(),
		Truncated: grid.Size() > o.maxCombinations,
		Objective: math.Inf(-1),
	}
	found := false

	it := grid.Iterator()
	for n := 0; n < o.maxCombinations; n++ {
		params, ok := it.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		run, err := o.runner.run(bars, hist, 0, s, params)
		if errors.Is(err, ErrEmptyRange) {
			res.Skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("evaluating %s: %w", params, err)
		}
		res.Evaluated++

		score := o.objective(run)
		if math.IsNaN(score) {
			score = math.Inf(-1)
		}
		if !found || score > res.Objective {
			res.Params = params
			res.Objective = score
			found = true
		}
	}

	if !found {
		return nil, fmt.Errorf("%w: no combination fits %d bars", ErrEmptyRange, len(bars))
	}
	return res, nil
}
