package worker

import (
	"log/slog"
	"time"

	"github.com/kiranshivaraju/screener/internal/config"
	"github.com/kiranshivaraju/screener/internal/events"
	"github.com/kiranshivaraju/screener/internal/queue"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/pkg/models"
)

// Deps are the collaborators a pool built from configuration runs against.
type Deps struct {
	Store     store.Store
	Universes models.UniverseResolver
	Evaluator models.StrategyEvaluator
	Publisher events.Publisher
	Metrics   *Metrics
	Logger    *slog.Logger
}

// NewPoolFromConfig assembles the coordinator, executor and pool from cfg.
// evalTimeout bounds each single evaluation call; zero disables it.
func NewPoolFromConfig(cfg config.WorkerConfig, evalTimeout time.Duration, deps Deps) *Pool {
	pub := deps.Publisher
	if pub == nil {
		pub = events.NopPublisher{}
	}

	coordinator := queue.New(deps.Store, deps.Logger,
		queue.WithLimits(cfg.MaxRunningPerUser, cfg.MaxRunning),
		queue.WithJobTimeout(cfg.JobTimeout),
	)
	executor := NewExecutor(deps.Store, deps.Universes, deps.Evaluator, deps.Logger,
		WithFailFast(cfg.FailFast),
		WithEvalTimeout(evalTimeout),
		WithProgressEvery(cfg.ProgressEvery),
		WithPublisher(pub),
		WithMetrics(deps.Metrics),
	)
	return NewPool(coordinator, executor, deps.Logger,
		WithConcurrency(cfg.Concurrency),
		WithPollInterval(cfg.PollInterval),
		WithPoolPublisher(pub),
		WithPoolMetrics(deps.Metrics),
	)
}
