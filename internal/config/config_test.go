package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LEDGER_URL", "MONITOR_INTERVAL", "FEE_RATE", "SUPPORTED_ASSETS", "CONFIRM_ATTEMPTS", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.LedgerURL)
	assert.Equal(t, 15*time.Second, cfg.MonitorInterval)
	assert.Equal(t, 10*time.Second, cfg.BlockCacheTTL)
	assert.Equal(t, 5, cfg.ConfirmAttempts)
	assert.Equal(t, 20*time.Second, cfg.ConfirmDelay)
	assert.Equal(t, uint64(100), cfg.FeeRate)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, []string{"USD", "CAD", "EUR", "GBP", "JPY", "CNY", "AUD"}, cfg.SupportedAssets)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MONITOR_INTERVAL", "2s")
	t.Setenv("FEE_RATE", "250")
	t.Setenv("MAX_COLLATERAL", "1_000_000_000")
	t.Setenv("SUPPORTED_ASSETS", " usd, eur ,")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.MonitorInterval)
	assert.Equal(t, uint64(250), cfg.FeeRate)
	assert.Equal(t, uint64(1_000_000_000), cfg.MaxCollateral)
	assert.Equal(t, []string{"usd", "eur"}, cfg.SupportedAssets)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_Malformed(t *testing.T) {
	t.Setenv("MONITOR_INTERVAL", "soon")
	_, err := Load()
	assert.ErrorContains(t, err, "MONITOR_INTERVAL")
}

func TestLoad_ZeroAttemptsRejected(t *testing.T) {
	t.Setenv("CONFIRM_ATTEMPTS", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_FeeRateAbovePremiumRejected(t *testing.T) {
	t.Setenv("FEE_RATE", "1000001")
	_, err := Load()
	assert.Error(t, err)
}
