// Package queue decides which pending screening job runs next.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/pkg/models"
)

var (
	// ErrEmpty means no pending job is currently eligible. Callers back off.
	ErrEmpty = errors.New("no eligible pending job")
	// ErrAlreadyClaimed means another worker won the claim race.
	ErrAlreadyClaimed = errors.New("job already claimed")
)

const defaultScanSize = 100

// Coordinator hands pending jobs to workers. All coordination goes through
// the store's atomic claim, so any number of coordinators in any number of
// processes may share one database.
type Coordinator struct {
	store      store.Store
	limits     store.ClaimLimits
	jobTimeout time.Duration
	scanSize   int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLimits caps running jobs per user and overall. Zero disables a cap.
func WithLimits(perUser, global int) Option {
	return func(c *Coordinator) { c.limits = store.ClaimLimits{MaxPerUser: perUser, MaxGlobal: global} }
}

// WithJobTimeout sets how long a running job may go without a progress
// write before ReapTimedOut fails it. Zero disables reaping.
func WithJobTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.jobTimeout = d }
}

// WithClock overrides the time source used for timeout detection.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(s store.Store, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    s,
		scanSize: defaultScanSize,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JobTimeout returns the configured wedge timeout.
func (c *Coordinator) JobTimeout() time.Duration { return c.jobTimeout }

// Claim moves the oldest eligible pending job to running and returns it.
// Candidates are the queue heads of users below their running cap, so a
// long backlog from one user never hides another user's job. Returns
// ErrEmpty when nothing can be claimed.
func (c *Coordinator) Claim(ctx context.Context) (*models.ScreeningJob, error) {
	candidates, err := c.store.ListPending(ctx, c.limits.MaxPerUser, c.scanSize)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}

	capped := make(map[string]bool)
	for _, cand := range candidates {
		if capped[cand.UserID] {
			continue
		}

		job, err := c.store.ClaimJob(ctx, cand.ID, c.limits)
		switch {
		case err == nil:
			c.logger.Info("job claimed",
				slog.String("job_id", job.ID.String()),
				slog.String("user_id", job.UserID),
			)
			return job, nil
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			// Lost the race or the job vanished; try the next candidate.
			continue
		case errors.Is(err, store.ErrGlobalLimitReached):
			return nil, ErrEmpty
		case errors.Is(err, store.ErrUserLimitReached):
			capped[cand.UserID] = true
			continue
		default:
			return nil, fmt.Errorf("claim job %s: %w", cand.ID, err)
		}
	}
	return nil, ErrEmpty
}

// ClaimJob claims one specific job. A job that is no longer pending yields
// ErrAlreadyClaimed.
func (c *Coordinator) ClaimJob(ctx context.Context, id uuid.UUID) (*models.ScreeningJob, error) {
	job, err := c.store.ClaimJob(ctx, id, c.limits)
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReapTimedOut fails every running job that has not been written to within
// the job timeout and returns the jobs it failed.
func (c *Coordinator) ReapTimedOut(ctx context.Context) ([]*models.ScreeningJob, error) {
	if c.jobTimeout <= 0 {
		return nil, nil
	}

	stale, err := c.store.ListStaleRunning(ctx, c.now().Add(-c.jobTimeout))
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}

	var reaped []*models.ScreeningJob
	for _, j := range stale {
		msg := fmt.Sprintf("job timed out: no progress for %s", c.jobTimeout)
		failed, err := c.store.UpdateJob(ctx, j.ID, store.NewJobUpdate(
			store.ExpectStatus(models.JobStatusRunning),
			store.WithStatus(models.JobStatusFailed),
			store.WithErrorMessage(msg),
		))
		if errors.Is(err, store.ErrConflict) {
			// Finished on its own while we were looking.
			continue
		}
		if err != nil {
			c.logger.Error("failed to reap timed out job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.logger.Warn("reaped timed out job",
			slog.String("job_id", j.ID.String()),
			slog.String("user_id", j.UserID),
			slog.Time("last_update", j.UpdatedAt),
		)
		reaped = append(reaped, failed)
	}
	return reaped, nil
}
