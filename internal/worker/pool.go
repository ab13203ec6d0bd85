package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/screener/internal/events"
	"github.com/kiranshivaraju/screener/internal/queue"
	"github.com/kiranshivaraju/screener/pkg/models"
)

const defaultPollInterval = 5 * time.Second

// Pool runs a fixed number of claim loops against a Coordinator, each
// handing claimed jobs to the shared Executor.
type Pool struct {
	coordinator  *queue.Coordinator
	executor     *Executor
	publisher    events.Publisher
	metrics      *Metrics
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration
	reapInterval time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle loop sleeps before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithReapInterval sets how often timed-out jobs are swept. It defaults to
// the poll interval.
func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.reapInterval = d
		}
	}
}

func WithPoolPublisher(pub events.Publisher) PoolOption {
	return func(p *Pool) { p.publisher = pub }
}

func WithPoolMetrics(m *Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

func NewPool(c *queue.Coordinator, ex *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		coordinator:  c,
		executor:     ex,
		publisher:    events.NopPublisher{},
		logger:       logger,
		concurrency:  1,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.reapInterval == 0 {
		p.reapInterval = p.pollInterval
	}
	return p
}

// Run blocks until ctx is cancelled. Jobs in flight when ctx ends stay
// running; the reaper or a later run picks them up.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		slog.Int("concurrency", p.concurrency),
		slog.Duration("poll_interval", p.pollInterval),
		slog.Duration("job_timeout", p.coordinator.JobTimeout()),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.claimLoop(ctx, i)
			return nil
		})
	}
	if p.coordinator.JobTimeout() > 0 {
		g.Go(func() error {
			p.reaperLoop(ctx)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// ProcessNext claims the oldest eligible job and executes it. It returns
// queue.ErrEmpty when nothing is claimable.
func (p *Pool) ProcessNext(ctx context.Context) (*models.ScreeningJob, error) {
	job, err := p.coordinator.Claim(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.incClaimed(ctx)
	return p.executor.Execute(ctx, job)
}

func (p *Pool) claimLoop(ctx context.Context, id int) {
	log := p.logger.With(slog.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		_, err := p.ProcessNext(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, queue.ErrEmpty):
		case ctx.Err() != nil:
			return
		default:
			log.Error("worker iteration failed", slog.String("error", err.Error()))
		}

		if !sleep(ctx, p.pollInterval) {
			return
		}
	}
}

func (p *Pool) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := p.coordinator.ReapTimedOut(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("reaper sweep failed", slog.String("error", err.Error()))
				}
				continue
			}
			p.metrics.incReaped(ctx, len(reaped))
			for _, job := range reaped {
				if err := p.publisher.Publish(ctx, events.NewEvent(events.JobFailed, job)); err != nil {
					p.logger.Warn("failed to publish job event",
						slog.String("job_id", job.ID.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
