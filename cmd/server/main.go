package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/balance"
	"github.com/propdesk/eval-engine/internal/config"
	"github.com/propdesk/eval-engine/internal/metrics"
	"github.com/propdesk/eval-engine/internal/oracle"
	"github.com/propdesk/eval-engine/internal/sentinel"
	"github.com/propdesk/eval-engine/internal/settle"
	"github.com/propdesk/eval-engine/internal/store"
	"github.com/propdesk/eval-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Configuration ---
	var cfg *config.EngineConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := config.LoadAndValidate(path)
		if err != nil {
			slog.Error("config load failed", "path", path, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.FromEnv()
	}

	var cleanup []func()

	// --- Store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Shared cache: freeze store + price oracle ---
	var freezes sentinel.FreezeStore
	var priceOracle oracle.Oracle
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		freezes = sentinel.NewRedisFreezeStore(rdb)
		priceOracle = oracle.NewRedisOracle(rdb)
		slog.Info("connected to Redis")
	} else {
		slog.Warn("redis.url not set, using in-memory freeze store and empty oracle")
		freezes = sentinel.NewMemoryFreezeStore()
		priceOracle = oracle.NewMemoryOracle()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Core services ---
	breaker := sentinel.New(sentinel.Config{
		DivergenceThreshold: decimal.NewFromFloat(cfg.Breaker.DivergencePts),
		Window:              cfg.Breaker.Window,
		Cooldown:            cfg.Breaker.Cooldown,
	}, freezes, logger)

	bank := balance.NewManager(decimal.NewFromFloat(cfg.Limits.LargeTransaction), logger)

	wsHub := trade.NewWSHub()
	go wsHub.Run()

	secret := cfg.Server.SchedulerSecret
	tradeSvc := trade.NewService(st, priceOracle, breaker, bank, wsHub, secret, logger)
	settleSvc := settle.NewService(st, priceOracle, bank, tradeSvc, wsHub, secret, logger)

	scheduler := settle.NewScheduler(settle.SchedulerConfig{
		SweepInterval: cfg.Settlement.SweepInterval,
		ResetHourUTC:  cfg.Settlement.ResetHourUTC,
	}, settleSvc, logger)
	scheduler.Start(context.Background())

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"eval-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time engine events.
		r.Get("/ws", wsHub.HandleWS)

		// Account provisioning and queries.
		r.Post("/accounts", tradeSvc.CreateAccount)
		r.Get("/accounts/{accountID}", tradeSvc.GetAccount)
		r.Get("/accounts/{accountID}/risk", tradeSvc.GetRisk)
		r.Get("/accounts/{accountID}/positions", tradeSvc.ListPositions)
		r.Get("/accounts/{accountID}/trades", tradeSvc.ListTrades)

		// Trade execution.
		r.Post("/trade", tradeSvc.ExecuteTrade)
		r.Post("/positions/{positionID}/close", tradeSvc.ClosePosition)

		// Ingestion fan-in (shared-secret gated).
		r.Post("/internal/prices", tradeSvc.HandlePriceTick)

		// Scheduler/admin (shared-secret gated).
		r.Post("/admin/settlement/run", settleSvc.HandleRun)
		r.Post("/admin/daily-reset", settleSvc.HandleDailyReset)
		r.Post("/admin/markets/{marketID}/unfreeze", tradeSvc.Unfreeze)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("eval-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout)
	defer cancel()

	slog.Info("shutting down eval-engine...")
	if err := scheduler.Stop(ctx); err != nil {
		slog.Error("scheduler stop error", "err", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("eval-engine stopped")
}
