// Package config loads process configuration from the environment, with an
// optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/bitforward/forward-engine/internal/asset"
	"github.com/bitforward/forward-engine/internal/settlement"
)

type Config struct {
	Port     string
	LogLevel slog.Level

	DatabaseURL string
	RedisURL    string
	RedisTTL    time.Duration
	NATSURL     string

	// LedgerURL switches the process to remote-ledger mode; empty runs the
	// embedded engine.
	LedgerURL      string
	BlockSourceURL string
	BlockInterval  time.Duration
	BlockCacheTTL  time.Duration

	MonitorInterval time.Duration
	ConfirmAttempts int
	ConfirmDelay    time.Duration
	Caller          string

	MirrorDir        string
	MirrorSQLitePath string

	FeeRate            uint64
	SupportedAssets    []string
	MaxCollateral      uint64
	MaxLeverage        uint64
	MaxAccountExposure uint64
}

// Load reads configuration. Missing variables take their defaults; malformed
// values are errors.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnvDefault("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		NATSURL:          os.Getenv("NATS_URL"),
		LedgerURL:        os.Getenv("LEDGER_URL"),
		BlockSourceURL:   os.Getenv("BLOCK_SOURCE_URL"),
		Caller:           getEnvDefault("CALLER", "forward-monitor"),
		MirrorDir:        getEnvDefault("MIRROR_DIR", "./data"),
		MirrorSQLitePath: os.Getenv("MIRROR_SQLITE_PATH"),
		SupportedAssets:  splitList(getEnvDefault("SUPPORTED_ASSETS", strings.Join(asset.DefaultSymbols, ","))),
	}

	p := &parser{}
	cfg.LogLevel = p.level("LOG_LEVEL", slog.LevelInfo)
	cfg.RedisTTL = p.duration("REDIS_TTL", 30*time.Second)
	cfg.BlockInterval = p.duration("BLOCK_INTERVAL", 60*time.Second)
	cfg.BlockCacheTTL = p.duration("BLOCK_CACHE_TTL", 10*time.Second)
	cfg.MonitorInterval = p.duration("MONITOR_INTERVAL", 15*time.Second)
	cfg.ConfirmAttempts = int(p.unsigned("CONFIRM_ATTEMPTS", 5))
	cfg.ConfirmDelay = p.duration("CONFIRM_DELAY", 20*time.Second)
	cfg.FeeRate = p.unsigned("FEE_RATE", settlement.DefaultFeeRate)
	cfg.MaxCollateral = p.unsigned("MAX_COLLATERAL", 0)
	cfg.MaxLeverage = p.unsigned("MAX_LEVERAGE", 0)
	cfg.MaxAccountExposure = p.unsigned("MAX_ACCOUNT_EXPOSURE", 0)
	if p.err != nil {
		return nil, p.err
	}

	if cfg.FeeRate > settlement.MaxFeeRate {
		return nil, fmt.Errorf("FEE_RATE must not exceed %d", settlement.MaxFeeRate)
	}
	if cfg.ConfirmAttempts < 1 {
		return nil, fmt.Errorf("CONFIRM_ATTEMPTS must be at least 1")
	}
	if len(cfg.SupportedAssets) == 0 {
		return nil, fmt.Errorf("SUPPORTED_ASSETS must list at least one asset")
	}
	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser reads typed variables, keeping the first error.
type parser struct {
	err error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return def
	}
	return d
}

func (p *parser) unsigned(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return def
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(v, "_", ""), 10, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return def
	}
	return n
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return def
	}
	return l
}
