package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of the hedged position engine.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Feed      FeedConfig       `yaml:"feed"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Storage   StorageConfig    `yaml:"storage"`
	Log       LogConfig        `yaml:"log"`
}

// EngineConfig sizes pairs and sets the acceptance and exit thresholds.
type EngineConfig struct {
	NotionalPerLeg       float64 `yaml:"notional_per_leg"` // USD per leg
	Leverage             float64 `yaml:"leverage"`
	ExpectedHoldingHours float64 `yaml:"expected_holding_hours"`
	TradingFeesPct       float64 `yaml:"trading_fees_pct"` // round trip, both legs

	MinSpreadPerHourPct float64 `yaml:"min_spread_per_hour_pct"`
	MinNetReturnPct     float64 `yaml:"min_net_return_pct"`
	MinLiquidityScore   float64 `yaml:"min_liquidity_score"`
	MaxOpenPairs        int     `yaml:"max_open_pairs"`
	OnePairPerSymbol    *bool   `yaml:"one_pair_per_symbol"` // nil = true

	TargetSpreadPct   *float64 `yaml:"target_spread_pct"`    // nil = no target
	StopLossSpreadPct *float64 `yaml:"stop_loss_spread_pct"` // nil = no stop
	MaxHoldingHours   float64  `yaml:"max_holding_hours"`    // 0 = unlimited

	MonitorIntervalSeconds int     `yaml:"monitor_interval_seconds"`
	CallTimeoutSeconds     int     `yaml:"call_timeout_seconds"`
	CloseRetries           *int    `yaml:"close_retries"` // nil = 1
	RetryWaitMillis        int     `yaml:"retry_wait_ms"`
	SafetyMargin           float64 `yaml:"safety_margin"`
}

// ExchangeConfig describes a REST venue, or its paper simulation.
type ExchangeConfig struct {
	Name                  string   `yaml:"name"`
	BaseURL               string   `yaml:"base_url"`
	APIKey                string   `yaml:"api_key"`
	PrivateKey            string   `yaml:"private_key"` // wallet-authenticated venues
	ChainID               int64    `yaml:"chain_id"`
	MaintenanceMarginRate *float64 `yaml:"maintenance_margin_rate"` // nil = 0.005; 0 is valid
	RatePerSec            float64  `yaml:"rate_per_sec"`
	FeeRate               float64  `yaml:"fee_rate"` // taker, used by the paper venue
	TimeoutSeconds        int      `yaml:"timeout_seconds"`
}

// FeedConfig picks the candidate source: a YAML file or the funding poller.
type FeedConfig struct {
	CandidatesFile  string   `yaml:"candidates_file"`
	Symbols         []string `yaml:"symbols"`
	IntervalSeconds int      `yaml:"interval_seconds"`
	Workers         int      `yaml:"workers"`
}

// BreakerConfig sets the circuit breaker limits.
type BreakerConfig struct {
	MaxLosses       int     `yaml:"max_losses"`
	CooldownMinutes int     `yaml:"cooldown_minutes"`
	MaxDrawdown     float64 `yaml:"max_drawdown"` // negative; 0 = disabled
}

// StorageConfig sets where pairs are persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// LogConfig sets log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, plus .env when present.
// Values from .env override the YAML ones they map to.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies env overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.Leverage <= 0 {
		errs = append(errs, fmt.Errorf("engine.leverage %v: %w", c.Engine.Leverage, domain.ErrInvalidLeverage))
	}
	if c.Engine.NotionalPerLeg <= 0 {
		errs = append(errs, fmt.Errorf("engine.notional_per_leg must be positive, got %v", c.Engine.NotionalPerLeg))
	}
	if c.Engine.StopLossSpreadPct != nil && *c.Engine.StopLossSpreadPct <= 0 {
		errs = append(errs, fmt.Errorf("engine.stop_loss_spread_pct must be positive, got %v", *c.Engine.StopLossSpreadPct))
	}
	if c.Breaker.MaxDrawdown > 0 {
		errs = append(errs, fmt.Errorf("breaker.max_drawdown must be negative or 0, got %v", c.Breaker.MaxDrawdown))
	}

	seen := make(map[string]bool, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		if ex.Name == "" {
			errs = append(errs, fmt.Errorf("exchanges[%d]: empty name", i))
			continue
		}
		if seen[ex.Name] {
			errs = append(errs, fmt.Errorf("exchanges[%d]: duplicate name %q", i, ex.Name))
		}
		seen[ex.Name] = true
		if mmr := ex.MaintenanceMarginRate; mmr != nil && (*mmr < 0 || *mmr >= 1) {
			errs = append(errs, fmt.Errorf("exchanges[%d] %s: maintenance_margin_rate %v: %w",
				i, ex.Name, *mmr, domain.ErrInvalidMaintenanceMarginRate))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config.Validate: %w", errors.Join(errs...))
	}
	return nil
}

// MonitorInterval is how often each pair is evaluated.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Engine.MonitorIntervalSeconds) * time.Second
}

// CallTimeout bounds each exchange call.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Engine.CallTimeoutSeconds) * time.Second
}

// RetryWait is the base wait between close retries.
func (c *Config) RetryWait() time.Duration {
	return time.Duration(c.Engine.RetryWaitMillis) * time.Millisecond
}

// MaxHolding is the longest a pair stays open (0 = unlimited).
func (c *Config) MaxHolding() time.Duration {
	return time.Duration(c.Engine.MaxHoldingHours * float64(time.Hour))
}

// FeedInterval is the funding poller period.
func (c *Config) FeedInterval() time.Duration {
	return time.Duration(c.Feed.IntervalSeconds) * time.Second
}

// BreakerCooldown is the pause after consecutive losses.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Breaker.CooldownMinutes) * time.Minute
}

// Timeout is the venue HTTP timeout.
func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// APIKeyEnv names the env variable holding the venue API key.
func APIKeyEnv(exchange string) string {
	return envPrefix(exchange) + "_API_KEY"
}

// PrivateKeyEnv names the env variable holding the venue wallet key.
func PrivateKeyEnv(exchange string) string {
	return envPrefix(exchange) + "_PRIVATE_KEY"
}

func envPrefix(exchange string) string {
	return "HEDGER_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(exchange))
}

// applyEnvOverrides replaces values with env variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("HEDGER_DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	// HEDGER_<EXCHANGE>_API_KEY wins over the YAML.
	for i := range cfg.Exchanges {
		if v := os.Getenv(APIKeyEnv(cfg.Exchanges[i].Name)); v != "" {
			cfg.Exchanges[i].APIKey = v
		}
		if v := os.Getenv(PrivateKeyEnv(cfg.Exchanges[i].Name)); v != "" {
			cfg.Exchanges[i].PrivateKey = v
		}
	}
}

// setDefaults fills unset values.
func setDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.NotionalPerLeg == 0 {
		e.NotionalPerLeg = 100
	}
	if e.Leverage == 0 {
		e.Leverage = 3
	}
	if e.ExpectedHoldingHours <= 0 {
		e.ExpectedHoldingHours = 8
	}
	if e.TradingFeesPct <= 0 {
		e.TradingFeesPct = 0.2 // 0.05% taker × 4 orders
	}
	if e.MaxOpenPairs <= 0 {
		e.MaxOpenPairs = 5
	}
	if e.OnePairPerSymbol == nil {
		yes := true
		e.OnePairPerSymbol = &yes
	}
	if e.MonitorIntervalSeconds <= 0 {
		e.MonitorIntervalSeconds = 30
	}
	if e.CallTimeoutSeconds <= 0 {
		e.CallTimeoutSeconds = 10
	}
	if e.CloseRetries == nil {
		one := 1
		e.CloseRetries = &one
	}
	if e.RetryWaitMillis <= 0 {
		e.RetryWaitMillis = 500
	}
	if e.SafetyMargin <= 0 || e.SafetyMargin >= 1 {
		e.SafetyMargin = 0.2
	}

	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		if ex.MaintenanceMarginRate == nil {
			mmr := 0.005
			ex.MaintenanceMarginRate = &mmr
		}
		if ex.RatePerSec <= 0 {
			ex.RatePerSec = 10
		}
		if ex.FeeRate <= 0 {
			ex.FeeRate = 0.0005
		}
		if ex.TimeoutSeconds <= 0 {
			ex.TimeoutSeconds = 10
		}
		if ex.PrivateKey != "" && ex.ChainID == 0 {
			ex.ChainID = 42161 // Arbitrum One
		}
	}

	if cfg.Feed.IntervalSeconds <= 0 {
		cfg.Feed.IntervalSeconds = 300
	}
	if cfg.Breaker.MaxLosses <= 0 {
		cfg.Breaker.MaxLosses = 3
	}
	if cfg.Breaker.CooldownMinutes <= 0 {
		cfg.Breaker.CooldownMinutes = 30
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "hedger.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
