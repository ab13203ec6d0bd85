// Package main runs the screening worker pool on its own, without the API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/kiranshivaraju/screener/internal/config"
	"github.com/kiranshivaraju/screener/internal/events"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/internal/strategy"
	"github.com/kiranshivaraju/screener/internal/universe"
	"github.com/kiranshivaraju/screener/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"strategy_provider", cfg.Strategy.Provider,
		"concurrency", cfg.Worker.Concurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	universes, err := universe.NewFileResolver(cfg.Universe.File)
	if err != nil {
		return fmt.Errorf("load universes: %w", err)
	}

	evaluator, err := strategy.NewEvaluator(cfg.Strategy)
	if err != nil {
		return fmt.Errorf("create strategy evaluator: %w", err)
	}

	publisher, err := events.FromConfig(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer publisher.Close()

	metrics, err := worker.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("create worker metrics: %w", err)
	}

	jobStore := store.NewRetryingStore(store.NewPostgresStore(pool), store.RetryConfig{
		InitialInterval: cfg.Database.RetryInitial,
		MaxElapsedTime:  cfg.Database.RetryMaxElapsed,
	})

	wp := worker.NewPoolFromConfig(cfg.Worker, cfg.Strategy.Timeout, worker.Deps{
		Store:     jobStore,
		Universes: universes,
		Evaluator: evaluator,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    slog.Default(),
	})

	if err := wp.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	slog.Info("worker stopped")
	return nil
}
