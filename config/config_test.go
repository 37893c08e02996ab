package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/hedger/config"
	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
engine:
  notional_per_leg: 500
  leverage: 5
  min_spread_per_hour_pct: 0.002
  target_spread_pct: 0.05
  stop_loss_spread_pct: 0.5
  max_holding_hours: 1.5
  close_retries: 0
exchanges:
  - name: bybit
    base_url: https://bybit.example
    maintenance_margin_rate: 0.01
  - name: binance-usdm
    base_url: https://binance.example
feed:
  symbols: [BTCUSDT, ETHUSDT]
breaker:
  max_drawdown: -200
storage:
  dsn: ":memory:"
`

func TestParse_ValuesAndDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 500.0, cfg.Engine.NotionalPerLeg)
	assert.Equal(t, 5.0, cfg.Engine.Leverage)
	require.NotNil(t, cfg.Engine.TargetSpreadPct)
	assert.Equal(t, 0.05, *cfg.Engine.TargetSpreadPct)
	assert.Equal(t, 90*time.Minute, cfg.MaxHolding())
	require.NotNil(t, cfg.Engine.CloseRetries)
	assert.Equal(t, 0, *cfg.Engine.CloseRetries, "explicit zero is kept")
	require.NotNil(t, cfg.Engine.OnePairPerSymbol)
	assert.True(t, *cfg.Engine.OnePairPerSymbol)

	assert.Equal(t, 30*time.Second, cfg.MonitorInterval())
	assert.Equal(t, 10*time.Second, cfg.CallTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.RetryWait())
	assert.Equal(t, 5*time.Minute, cfg.FeedInterval())
	assert.Equal(t, 30*time.Minute, cfg.BreakerCooldown())
	assert.Equal(t, 3, cfg.Breaker.MaxLosses)
	assert.Equal(t, -200.0, cfg.Breaker.MaxDrawdown)

	bybit := exchangeNamed(t, cfg, "bybit")
	require.NotNil(t, bybit.MaintenanceMarginRate)
	assert.Equal(t, 0.01, *bybit.MaintenanceMarginRate)
	binance := exchangeNamed(t, cfg, "binance-usdm")
	require.NotNil(t, binance.MaintenanceMarginRate)
	assert.Equal(t, 0.005, *binance.MaintenanceMarginRate)
	assert.Equal(t, 10.0, binance.RatePerSec)
	assert.Equal(t, 10*time.Second, binance.Timeout())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func exchangeNamed(t *testing.T, cfg *config.Config, name string) config.ExchangeConfig {
	t.Helper()
	for _, ex := range cfg.Exchanges {
		if ex.Name == name {
			return ex
		}
	}
	t.Fatalf("exchange %q not configured", name)
	return config.ExchangeConfig{}
}

func TestParse_ZeroMaintenanceMarginIsKept(t *testing.T) {
	cfg, err := config.Parse([]byte("exchanges:\n  - name: bybit\n    maintenance_margin_rate: 0\n"))
	require.NoError(t, err)
	bybit := exchangeNamed(t, cfg, "bybit")
	require.NotNil(t, bybit.MaintenanceMarginRate)
	assert.Zero(t, *bybit.MaintenanceMarginRate)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HEDGER_DB_DSN", "/tmp/other.db")
	t.Setenv("HEDGER_BINANCE_USDM_API_KEY", "secret")
	t.Setenv("HEDGER_BYBIT_PRIVATE_KEY", "0xabc")

	cfg, err := config.Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/other.db", cfg.Storage.DSN)
	binance := exchangeNamed(t, cfg, "binance-usdm")
	assert.Equal(t, "secret", binance.APIKey)
	bybit := exchangeNamed(t, cfg, "bybit")
	assert.Empty(t, bybit.APIKey)
	assert.Equal(t, "0xabc", bybit.PrivateKey)
	assert.Equal(t, int64(42161), bybit.ChainID)
	assert.Zero(t, binance.ChainID)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		is   error
		msg  string
	}{
		{name: "negative leverage", yaml: "engine:\n  leverage: -1\n", is: domain.ErrInvalidLeverage},
		{
			name: "bad maintenance margin",
			yaml: "exchanges:\n  - name: bybit\n    maintenance_margin_rate: 1.5\n",
			is:   domain.ErrInvalidMaintenanceMarginRate,
		},
		{name: "duplicate exchange", yaml: "exchanges:\n  - name: a\n  - name: a\n", msg: "duplicate"},
		{name: "positive drawdown", yaml: "breaker:\n  max_drawdown: 10\n", msg: "max_drawdown"},
		{name: "broken yaml", yaml: "engine: [", msg: "parse YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Exchanges, 2)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Feed.Symbols)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAPIKeyEnv(t *testing.T) {
	assert.Equal(t, "HEDGER_BYBIT_API_KEY", config.APIKeyEnv("bybit"))
	assert.Equal(t, "HEDGER_BINANCE_USDM_API_KEY", config.APIKeyEnv("binance-usdm"))
	assert.Equal(t, "HEDGER_HYPERLIQUID_PRIVATE_KEY", config.PrivateKeyEnv("hyperliquid"))
}
