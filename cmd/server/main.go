// Package main is the entrypoint for the screening job API server. With
// WORKER_ENABLED set it also runs the worker pool in-process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/kiranshivaraju/screener/internal/api"
	"github.com/kiranshivaraju/screener/internal/api/handler"
	mw "github.com/kiranshivaraju/screener/internal/api/middleware"
	"github.com/kiranshivaraju/screener/internal/cache"
	"github.com/kiranshivaraju/screener/internal/config"
	"github.com/kiranshivaraju/screener/internal/events"
	"github.com/kiranshivaraju/screener/internal/service"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/internal/strategy"
	"github.com/kiranshivaraju/screener/internal/universe"
	"github.com/kiranshivaraju/screener/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"strategy_provider", cfg.Strategy.Provider,
		"worker_enabled", cfg.Worker.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	publisher, err := events.FromConfig(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer publisher.Close()

	universes, err := universe.NewFileResolver(cfg.Universe.File)
	if err != nil {
		return fmt.Errorf("load universes: %w", err)
	}
	slog.Info("universes loaded", "count", len(universes.Keys()))

	jobStore := store.NewRetryingStore(store.NewPostgresStore(pool), store.RetryConfig{
		InitialInterval: cfg.Database.RetryInitial,
		MaxElapsedTime:  cfg.Database.RetryMaxElapsed,
	})

	jobs := service.New(jobStore, slog.Default(),
		service.WithResultCache(redisCache, cfg.Redis.ResultCacheTTL),
		service.WithPublisher(publisher),
		service.WithUniverseNames(universes),
	)

	checks := map[string]handler.Pinger{
		"database": jobStore,
		"cache":    redisCache,
	}
	if nc, ok := publisher.(*events.NATSPublisher); ok {
		checks["events"] = nc
	}

	router := api.NewRouter(api.Dependencies{
		Logger:        slog.Default(),
		Auth:          mw.NewAuth(jobStore, slog.Default()),
		RateLimit:     mw.NewRateLimit(redisCache, cfg.Redis.RateLimitPerMin, slog.Default()),
		HealthHandler: handler.NewHealthHandler(checks),
		Jobs:          handler.NewJobs(jobs, slog.Default()),
	})

	// The pool gets its own context so HTTP draining finishes first.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workerDone := make(chan error, 1)
	if cfg.Worker.Enabled {
		evaluator, err := strategy.NewEvaluator(cfg.Strategy)
		if err != nil {
			return fmt.Errorf("create strategy evaluator: %w", err)
		}
		metrics, err := worker.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return fmt.Errorf("create worker metrics: %w", err)
		}
		wp := worker.NewPoolFromConfig(cfg.Worker, cfg.Strategy.Timeout, worker.Deps{
			Store:     jobStore,
			Universes: universes,
			Evaluator: evaluator,
			Publisher: publisher,
			Metrics:   metrics,
			Logger:    slog.Default(),
		})
		go func() { workerDone <- wp.Run(workerCtx) }()
	} else {
		close(workerDone)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	stopWorkers()
	select {
	case err := <-workerDone:
		if err != nil {
			return fmt.Errorf("worker pool: %w", err)
		}
	case <-shutdownCtx.Done():
		slog.Warn("worker pool did not stop before shutdown timeout")
	}

	slog.Info("server stopped gracefully")
	return nil
}
