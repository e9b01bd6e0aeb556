// Long-running risk gate: polls account equity into the circuit breaker,
// liquidating on a total-drawdown trip, and serves the HTTP/gRPC status
// surface.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"riskgate/internal/api"
	"riskgate/internal/broker"
	"riskgate/internal/config"
	"riskgate/internal/engine"
	"riskgate/internal/risk"
	"riskgate/internal/slippage"
	"riskgate/internal/store"
	"riskgate/internal/tradeparams"
	"riskgate/internal/util"
)

func main() {
	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	b, err := newBroker(cfg)
	if err != nil {
		log.Fatalf("creating broker: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite: %v", err)
	}
	defer db.Close()

	rc, err := risk.NewContext(cfg.Risk.Config,
		risk.WithLiquidator(b),
		risk.WithRecorder(db),
		risk.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("creating risk context: %v", err)
	}
	rc.Breaker.OnStateChange(func(from, to risk.State, st risk.Status) {
		if to == risk.StateCooldown && st.TriggerType == risk.TriggerTotalDrawdown {
			slog.Error("total drawdown breaker tripped", "drawdown", st.TotalDrawdown, "cooldown_until", st.CooldownUntil)
		}
	})

	loc, err := util.LoadLocation(cfg.Risk.Breaker.Timezone)
	if err != nil {
		log.Fatalf("loading timezone: %v", err)
	}
	daily := engine.NewRiskManager(cfg.Risk.MaxDailyLossPct, loc, logger)
	eng := engine.NewEngine(b, rc, daily, logger)

	params := tradeparams.NewStore(cfg.Storage.ParamsPath, cfg.WalkForward.MinRobustnessScore, logger)
	srv := api.NewServer(cfg.Server, api.Deps{
		Risk:     rc,
		Broker:   b,
		Engine:   eng,
		Runs:     db,
		Triggers: db,
		Params:   params,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("risk-gate starting", "broker", b.Name(), "paper", cfg.Trading.PaperMode,
		"http", cfg.Server.Addr(), "grpc", cfg.Server.GRPCAddr(), "poll", cfg.Risk.PollInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx, cfg.Risk.PollInterval) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("risk-gate stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("risk-gate stopped")
}

func newBroker(cfg *config.Config) (broker.Broker, error) {
	if cfg.Trading.Broker == "alpaca" {
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, errors.New("alpaca broker needs APCA_API_KEY_ID and APCA_API_SECRET_KEY")
		}
		return broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL), nil
	}
	slip, err := slippage.New(cfg.Backtest.Slippage)
	if err != nil {
		return nil, err
	}
	return broker.NewSimulatorBroker(cfg.Trading.SimulatorCash, slip), nil
}
