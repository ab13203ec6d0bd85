package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/screener/pkg/models"
)

// RetryConfig controls the exponential backoff applied to transient failures.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// RetryingStore decorates a Store, retrying calls that fail with
// ErrStoreUnavailable. Other errors are returned immediately. Only failures
// that occurred before the statement reached the server are tagged
// ErrStoreUnavailable, so retrying writes cannot apply them twice.
type RetryingStore struct {
	next Store
	cfg  RetryConfig
}

var _ Store = (*RetryingStore)(nil)

// NewRetryingStore wraps next with retry behaviour.
func NewRetryingStore(next Store, cfg RetryConfig) *RetryingStore {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = 10 * time.Second
	}
	return &RetryingStore{next: next, cfg: cfg}
}

func (r *RetryingStore) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxElapsedTime = r.cfg.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

func retryData[T any](ctx context.Context, r *RetryingStore, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.policy(ctx))
}

func retry(ctx context.Context, r *RetryingStore, op func() error) error {
	_, err := retryData(ctx, r, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

func (r *RetryingStore) Ping(ctx context.Context) error {
	return retry(ctx, r, func() error { return r.next.Ping(ctx) })
}

func (r *RetryingStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return retryData(ctx, r, func() ([]*models.APIKey, error) { return r.next.GetAPIKeyByPrefix(ctx, prefix) })
}

func (r *RetryingStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	return retry(ctx, r, func() error { return r.next.UpdateAPIKeyLastUsed(ctx, id) })
}

func (r *RetryingStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	return retry(ctx, r, func() error { return r.next.CreateAPIKey(ctx, key) })
}

func (r *RetryingStore) CreateJob(ctx context.Context, job *models.ScreeningJob) error {
	return retry(ctx, r, func() error { return r.next.CreateJob(ctx, job) })
}

func (r *RetryingStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ScreeningJob, error) {
	return retryData(ctx, r, func() (*models.ScreeningJob, error) { return r.next.GetJob(ctx, id) })
}

func (r *RetryingStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.ScreeningJob, error) {
	return retryData(ctx, r, func() ([]*models.ScreeningJob, error) { return r.next.ListJobs(ctx, filter) })
}

func (r *RetryingStore) UpdateJob(ctx context.Context, id uuid.UUID, upd JobUpdate) (*models.ScreeningJob, error) {
	return retryData(ctx, r, func() (*models.ScreeningJob, error) { return r.next.UpdateJob(ctx, id, upd) })
}

func (r *RetryingStore) ClaimJob(ctx context.Context, id uuid.UUID, limits ClaimLimits) (*models.ScreeningJob, error) {
	return retryData(ctx, r, func() (*models.ScreeningJob, error) { return r.next.ClaimJob(ctx, id, limits) })
}

func (r *RetryingStore) ListPending(ctx context.Context, maxRunningPerUser, limit int) ([]*models.ScreeningJob, error) {
	return retryData(ctx, r, func() ([]*models.ScreeningJob, error) {
		return r.next.ListPending(ctx, maxRunningPerUser, limit)
	})
}

func (r *RetryingStore) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]*models.ScreeningJob, error) {
	return retryData(ctx, r, func() ([]*models.ScreeningJob, error) { return r.next.ListStaleRunning(ctx, olderThan) })
}

func (r *RetryingStore) DeleteJob(ctx context.Context, id uuid.UUID, userID string) error {
	return retry(ctx, r, func() error { return r.next.DeleteJob(ctx, id, userID) })
}
