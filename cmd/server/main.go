package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bitforward/forward-engine/internal/api"
	"github.com/bitforward/forward-engine/internal/asset"
	"github.com/bitforward/forward-engine/internal/chain"
	"github.com/bitforward/forward-engine/internal/config"
	"github.com/bitforward/forward-engine/internal/events"
	"github.com/bitforward/forward-engine/internal/lifecycle"
	"github.com/bitforward/forward-engine/internal/limits"
	"github.com/bitforward/forward-engine/internal/metrics"
	"github.com/bitforward/forward-engine/internal/mirror"
	"github.com/bitforward/forward-engine/internal/monitor"
	"github.com/bitforward/forward-engine/internal/oracle"
	"github.com/bitforward/forward-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Event fan-out ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	publishers := events.Multi{wsHub}

	if cfg.NATSURL != "" {
		nc, js, err := events.ConnectJetStream(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		if err := events.EnsureStream(ctx, js); err != nil {
			slog.Error("jetstream stream setup failed", "err", err)
			os.Exit(1)
		}
		publishers = append(publishers, events.NewNATSPublisher(js))
		slog.Info("publishing events to JetStream", "stream", events.StreamName)
	}

	// --- Ledger ---
	var (
		ledger api.Ledger
		feed   oracle.Feed
		miner  api.Miner
		// blocks gates create/close in the embedded engine and must be
		// current; monitorBlocks may serve a stale height.
		blocks        chain.BlockSource
		monitorBlocks chain.BlockSource
	)

	if cfg.LedgerURL != "" {
		client := chain.NewClient(cfg.LedgerURL, &http.Client{Timeout: 10 * time.Second})
		ledger, feed = client, client
		monitorBlocks = chain.NewCachedHeight(client, cfg.BlockCacheTTL)
		slog.Info("using remote ledger", "url", cfg.LedgerURL)
	} else {
		st := openStore(ctx, cfg, &cleanup)

		reg, err := asset.NewRegistry(cfg.SupportedAssets)
		if err != nil {
			slog.Error("invalid SUPPORTED_ASSETS", "err", err)
			os.Exit(1)
		}
		feed = oracle.NewMemoryFeed()

		var clock *chain.Clock
		blocks, monitorBlocks, clock = blockSources(cfg)
		if clock != nil {
			go clock.Run(ctx)
			miner = clock
			slog.Warn("BLOCK_SOURCE_URL not set, using local block clock", "interval", cfg.BlockInterval)
		} else {
			slog.Info("following external block height", "url", cfg.BlockSourceURL)
		}

		ledger = lifecycle.NewEngine(st, feed, blocks, reg,
			lifecycle.WithLimits(limits.New(cfg.MaxCollateral, cfg.MaxLeverage, cfg.MaxAccountExposure)),
			lifecycle.WithFeeRate(cfg.FeeRate),
			lifecycle.WithPublisher(publishers),
		)
		slog.Info("running embedded ledger", "assets", reg.Symbols(), "fee_rate", cfg.FeeRate)
	}

	// --- Off-chain mirror ---
	var persister mirror.Persister
	if cfg.MirrorSQLitePath != "" {
		p, err := mirror.OpenSQLite(cfg.MirrorSQLitePath)
		if err != nil {
			slog.Error("mirror database open failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { p.Close() })
		persister = p
	} else {
		if err := os.MkdirAll(cfg.MirrorDir, 0o755); err != nil {
			slog.Error("mirror directory", "err", err)
			os.Exit(1)
		}
		persister = mirror.NewFilePersister(cfg.MirrorDir)
	}
	positions := mirror.NewStore(persister)
	if err := positions.Init(ctx); err != nil {
		slog.Error("mirror init failed", "err", err)
		os.Exit(1)
	}
	reconciler := mirror.NewReconciler(ledger, cfg.ConfirmAttempts, cfg.ConfirmDelay)

	// --- Closing monitor ---
	mon := monitor.New(ledger, monitorBlocks, positions, cfg.Caller, cfg.MonitorInterval)
	mon.Start(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"forward-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/api/v1/ws", wsHub.HandleWS)

	api.NewService(ledger, feed, positions, reconciler, publishers).Mount(r)
	if cfg.LedgerURL == "" {
		api.NewLedgerAPI(ledger, feed, miner).Mount(r)
	}

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// Position confirmation polls the ledger for up to
		// ConfirmAttempts*ConfirmDelay.
		WriteTimeout: time.Duration(cfg.ConfirmAttempts)*cfg.ConfirmDelay + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("forward-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down forward-engine...")
	mon.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := positions.Shutdown(shutdownCtx); err != nil {
		slog.Error("mirror flush failed", "err", err)
	}
	stop()
	fmt.Println("forward-engine stopped")
}

// blockSources returns the source the embedded engine validates against,
// which is never cached, and the one the monitor polls, which may be. clock
// is set when no external source is configured.
func blockSources(cfg *config.Config) (engine, mon chain.BlockSource, clock *chain.Clock) {
	if cfg.BlockSourceURL == "" {
		clock = chain.NewClock(1, cfg.BlockInterval)
		return clock, clock, clock
	}
	src := chain.NewHTTPSource(cfg.BlockSourceURL, &http.Client{Timeout: 5 * time.Second})
	return src, chain.NewCachedHeight(src, cfg.BlockCacheTTL), nil
}

// openStore picks Postgres (optionally behind Redis) when DATABASE_URL is
// set, otherwise the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, cleanup *[]func()) store.Store {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore()
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	*cleanup = append(*cleanup, pool.Close)
	if err := store.Migrate(ctx, pool); err != nil {
		slog.Error("database migration failed", "err", err)
		os.Exit(1)
	}
	var st store.Store = store.NewPostgresStore(pool)
	slog.Info("connected to PostgreSQL")

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		*cleanup = append(*cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
	}
	return st
}
