// Package config loads riskgate configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"riskgate/internal/montecarlo"
	"riskgate/internal/risk"
	"riskgate/internal/strategy"
	"riskgate/internal/walkforward"
)

// DefaultPath is used when RISKGATE_CONFIG is unset.
const DefaultPath = "config/riskgate.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for riskgate.
type Config struct {
	Storage     Storage               `yaml:"storage"`
	Server      Server                `yaml:"server"`
	Alpaca      Alpaca                `yaml:"alpaca"`
	Logging     Logging               `yaml:"logging"`
	Backtest    strategy.RunnerConfig `yaml:"backtest"`
	WalkForward walkforward.Config    `yaml:"walkforward"`
	MonteCarlo  montecarlo.Config     `yaml:"montecarlo"`
	Risk        RiskConfig            `yaml:"risk"`
	Trading     TradingConfig         `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// ParamsPath is the JSON file holding adopted strategy parameters.
	ParamsPath string `yaml:"params_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns the gRPC listen address.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// Alpaca holds credentials and endpoints for the Alpaca broker and
// market-data APIs.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RiskConfig holds the live risk limits.
type RiskConfig struct {
	risk.Config `yaml:",inline"`

	// MaxDailyLossPct bounds realized loss per day as a fraction of
	// start-of-day equity.
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	// PollInterval is how often account equity is fed to the breaker.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TradingConfig selects the execution collaborator.
type TradingConfig struct {
	// Broker is "alpaca" or "simulator".
	Broker        string  `yaml:"broker"`
	PaperMode     bool    `yaml:"paper_mode"`
	SimulatorCash float64 `yaml:"simulator_cash"`
}

// Default returns a configuration with every section at its default.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/riskgate.db",
			ParamsPath: "data/params.json",
		},
		Server: Server{Host: "127.0.0.1", Port: 8080, GRPCPort: 9090},
		Alpaca: Alpaca{
			BaseURL:         "https://paper-api.alpaca.markets",
			Feed:            "sip",
			RateLimitPerMin: 200,
		},
		Logging:     Logging{Level: "info", Format: "json"},
		Backtest:    strategy.DefaultRunnerConfig(),
		WalkForward: walkforward.DefaultConfig(),
		MonteCarlo:  montecarlo.DefaultConfig(),
		Risk: RiskConfig{
			Config:          risk.DefaultConfig(),
			MaxDailyLossPct: 0.02,
			PollInterval:    30 * time.Second,
		},
		Trading: TradingConfig{Broker: "simulator", PaperMode: true, SimulatorCash: 100000},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns RISKGATE_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("RISKGATE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides and validates the
// result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to defaults plus environment when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Load("")
	}
	return cfg, err
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Backtest.Slippage.Validate(); err != nil {
		return fmt.Errorf("backtest.slippage: %w", err)
	}
	if err := c.WalkForward.Validate(); err != nil {
		return fmt.Errorf("walkforward: %w", err)
	}
	if c.MonteCarlo.Iterations <= 0 {
		return fmt.Errorf("montecarlo: %w", montecarlo.ErrInvalidIterations)
	}
	if err := c.Risk.Sizing.Validate(); err != nil {
		return fmt.Errorf("risk.sizing: %w", err)
	}
	if err := c.Risk.Breaker.Validate(); err != nil {
		return fmt.Errorf("risk.breaker: %w", err)
	}
	if c.Risk.MaxDailyLossPct < 0 || c.Risk.MaxDailyLossPct >= 1 {
		return fmt.Errorf("risk.max_daily_loss_pct must be in [0, 1), got %v", c.Risk.MaxDailyLossPct)
	}
	if c.Risk.PollInterval <= 0 {
		return fmt.Errorf("risk.poll_interval must be positive, got %v", c.Risk.PollInterval)
	}
	switch c.Trading.Broker {
	case "alpaca", "simulator":
	default:
		return fmt.Errorf("trading.broker must be alpaca or simulator, got %q", c.Trading.Broker)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("RISKGATE_TIMEZONE"); v != "" {
		cfg.Risk.Breaker.Timezone = v
	}

	// Standard Alpaca env vars take precedence: they are the names the SDK uses.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
