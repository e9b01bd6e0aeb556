// Walk-forward validation of a strategy over stored or downloaded daily bars,
// followed by a Monte Carlo permutation test. The run is saved to SQLite,
// its trades exported to Parquet, and the latest parameters offered for
// adoption.
//
// Usage:
//
//	wf-validate -strategy sma_cross -symbol AAPL -start 2019-01-01 -end 2025-01-01
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"riskgate/internal/config"
	"riskgate/internal/domain"
	"riskgate/internal/montecarlo"
	"riskgate/internal/store"
	"riskgate/internal/strategy"
	"riskgate/internal/strategy/builtins"
	"riskgate/internal/tradeparams"
	"riskgate/internal/util"
	"riskgate/internal/walkforward"
)

type report struct {
	RunID      string                `json:"run_id,omitempty"`
	Result     *walkforward.Result   `json:"result"`
	MonteCarlo *montecarlo.Result    `json:"monte_carlo"`
	Adoption   *tradeparams.Decision `json:"adoption,omitempty"`
}

func main() {
	strategyName := flag.String("strategy", "sma_cross", "strategy name")
	symbol := flag.String("symbol", "", "symbol to validate (required)")
	startStr := flag.String("start", "", "first day, YYYY-MM-DD (default: 5 years ago)")
	endStr := flag.String("end", "", "day after the last bar, YYYY-MM-DD (default: today)")
	source := flag.String("source", "parquet", "bar source: parquet or alpaca")
	market := flag.String("market", string(domain.MarketUS), "market of stored bars")
	perWindow := flag.Bool("per-window", false, "fetch each window separately by calendar range")
	noSave := flag.Bool("no-save", false, "skip persistence and parameter adoption")
	asJSON := flag.Bool("json", false, "print the full report as JSON")
	flag.Parse()

	if *symbol == "" {
		flag.Usage()
		os.Exit(2)
	}
	sym := strings.ToUpper(*symbol)

	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(-5, 0, 0)
	if *startStr != "" {
		if start, err = time.Parse("2006-01-02", *startStr); err != nil {
			log.Fatalf("parsing -start: %v", err)
		}
	}
	if *endStr != "" {
		if end, err = time.Parse("2006-01-02", *endStr); err != nil {
			log.Fatalf("parsing -end: %v", err)
		}
	}

	strat, err := builtins.NewRegistry().Lookup(*strategyName)
	if err != nil {
		log.Fatalf("%v", err)
	}
	gp, ok := strat.(strategy.GridProvider)
	if !ok {
		log.Fatalf("strategy %s has no default grid", strat.Name())
	}
	grid, err := strategy.NewGrid(gp.DefaultGrid()...)
	if err != nil {
		log.Fatalf("building grid: %v", err)
	}

	runner, err := strategy.NewRunner(cfg.Backtest)
	if err != nil {
		log.Fatalf("creating runner: %v", err)
	}
	orch, err := walkforward.New(cfg.WalkForward, runner, logger)
	if err != nil {
		log.Fatalf("creating orchestrator: %v", err)
	}
	validator, err := montecarlo.New(cfg.MonteCarlo, logger)
	if err != nil {
		log.Fatalf("creating monte carlo validator: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	var src walkforward.BarSource
	switch *source {
	case "parquet":
		src = pstore.Source(*market)
	case "alpaca":
		src = store.NewAlpacaBarSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL,
			cfg.Alpaca.Feed, cfg.Alpaca.RateLimitPerMin, pstore)
	default:
		log.Fatalf("unknown -source %q", *source)
	}

	slog.Info("walk-forward starting", "strategy", strat.Name(), "symbol", sym,
		"start", start.Format("2006-01-02"), "end", end.Format("2006-01-02"),
		"source", *source, "grid", grid.Size(), "windows", cfg.WalkForward.Windows)

	var res *walkforward.Result
	if *perWindow {
		res, err = orch.RunSource(ctx, src, sym, start, end, strat, grid)
	} else {
		var bars []domain.Bar
		bars, err = src.Bars(ctx, sym, start, end)
		if err == nil {
			res, err = orch.Run(ctx, bars, strat, grid)
		}
	}
	if err != nil && res == nil {
		log.Fatalf("walk-forward failed: %v", err)
	}
	if err != nil {
		slog.Warn("walk-forward interrupted, reporting partial result", "error", err)
	}

	mc, err := validator.Run(ctx, res.Trades())
	if err != nil {
		log.Fatalf("monte carlo failed: %v", err)
	}

	rep := report{Result: res, MonteCarlo: mc}
	if !*noSave && !res.Partial {
		if err := persist(ctx, cfg, pstore, &rep, logger); err != nil {
			log.Fatalf("saving run: %v", err)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			log.Fatalf("encoding report: %v", err)
		}
		return
	}
	printReport(rep)
}

// persist stores the run in SQLite, exports its trades to Parquet and
// offers the latest parameters for adoption.
func persist(ctx context.Context, cfg *config.Config, pstore *store.ParquetStore, rep *report, log *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return err
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := db.SaveRun(ctx, &store.RunRecord{Result: rep.Result, MonteCarlo: rep.MonteCarlo})
	if err != nil {
		return err
	}
	rep.RunID = id

	if err := pstore.WriteTradeLog(ctx, id, rep.Result.Trades()); err != nil {
		return fmt.Errorf("writing trade log: %w", err)
	}

	params := tradeparams.NewStore(cfg.Storage.ParamsPath, cfg.WalkForward.MinRobustnessScore, log)
	d, err := params.Offer(id, rep.Result)
	if errors.Is(err, tradeparams.ErrNoParams) {
		log.Warn("no completed window, nothing to adopt", "run", id)
		return nil
	}
	if err != nil {
		return err
	}
	rep.Adoption = &d
	return nil
}

func printReport(rep report) {
	r := rep.Result
	fmt.Printf("=== %s on %s (%d bars) ===\n", r.Strategy, r.Symbol, r.Bars)
	if rep.RunID != "" {
		fmt.Printf("run: %s\n", rep.RunID)
	}
	fmt.Println()
	fmt.Printf("%-6s %-23s %-23s %8s %8s %7s  %s\n", "window", "train", "test", "IS", "OOS", "trades", "params")
	for _, w := range r.Windows {
		if w.Skipped {
			fmt.Printf("%-6d skipped: %s\n", w.Index, w.SkipReason)
			continue
		}
		fmt.Printf("%-6d %-23s %-23s %8.3f %8.3f %7d  %s\n", w.Index,
			spanDates(w.Train), spanDates(w.Test),
			w.InSampleSharpe, w.OutOfSampleSharpe, len(w.Trades), w.Params)
	}

	fmt.Println()
	fmt.Printf("windows:        %d/%d completed\n", r.CompletedWindows, r.TotalWindows)
	fmt.Printf("sharpe IS/OOS:  %.3f / %.3f (efficiency %.2f)\n", r.InSampleSharpe, r.OutOfSampleSharpe, r.Efficiency)
	fmt.Printf("trades:         %d (win rate %.1f%%, profit factor %.2f)\n", r.TotalTrades, r.WinRate*100, r.ProfitFactor)
	fmt.Printf("return:         %.2f%% (max drawdown %.2f%%)\n", r.TotalReturn*100, r.MaxDrawdown*100)
	fmt.Printf("execution cost: %.2f (%.3f%% of capital)\n", r.SlippageCost, r.CostDragPct*100)
	fmt.Printf("robustness:     %.1f / 100\n", r.RobustnessScore)

	mc := rep.MonteCarlo
	fmt.Println()
	if mc.Degenerate {
		fmt.Printf("monte carlo:    skipped, %d trades < %d\n", mc.Trades, montecarlo.MinTrades)
	} else {
		fmt.Printf("monte carlo:    %d iterations, sharpe p5/p95 %.3f / %.3f\n", mc.Iterations, mc.SharpeP5, mc.SharpeP95)
		fmt.Printf("                P(profit) %.1f%%, worst drawdown %.2f%%, confidence %.1f%%\n",
			mc.ProbabilityProfitable, mc.WorstDrawdown*100, mc.Confidence)
	}

	if rep.Adoption != nil {
		fmt.Println()
		fmt.Printf("adoption:       %v (%s)\n", rep.Adoption.Adopted, rep.Adoption.Reason)
	}
}

func spanDates(s walkforward.Span) string {
	return s.First.Format("2006-01-02") + ".." + s.Last.Format("2006-01-02")
}
