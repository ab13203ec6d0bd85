package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/screener/pkg/models"
)

// MemoryStore is an in-process Store. Every read returns a copy, so callers
// never share state with the store or with each other.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.ScreeningJob
	keys map[uuid.UUID]*models.APIKey
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.ScreeningJob),
		keys: make(map[uuid.UUID]*models.APIKey),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.RevokedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil
	}
	now := s.now()
	k.LastUsedAt = &now
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	for _, k := range s.keys {
		if k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.ScreeningJob) error {
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("create job: new jobs must be pending, got %s", job.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.ScreeningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.ScreeningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.ScreeningJob
	for _, job := range s.jobs {
		if job.UserID != filter.UserID {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[j].ID.String()
	})
	if limit := filter.limit(); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ListPending(_ context.Context, maxRunningPerUser, limit int) ([]*models.ScreeningJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	running := make(map[string]int)
	heads := make(map[string]*models.ScreeningJob)
	for _, job := range s.jobs {
		switch job.Status {
		case models.JobStatusRunning:
			running[job.UserID]++
		case models.JobStatusPending:
			if h, ok := heads[job.UserID]; !ok || olderThan(job, h) {
				heads[job.UserID] = job
			}
		}
	}

	var jobs []*models.ScreeningJob
	for userID, job := range heads {
		if maxRunningPerUser > 0 && running[userID] >= maxRunningPerUser {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sortOldestFirst(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ListStaleRunning(_ context.Context, olderThan time.Time) ([]*models.ScreeningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.ScreeningJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusRunning && job.UpdatedAt.Before(olderThan) {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	return jobs, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, id uuid.UUID, upd JobUpdate) (*models.ScreeningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := ApplyUpdate(next, upd, s.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, id uuid.UUID, limits ClaimLimits) (*models.ScreeningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != models.JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, current.ID, current.Status)
	}

	var userRunning, running int
	for _, job := range s.jobs {
		if job.Status != models.JobStatusRunning {
			continue
		}
		running++
		if job.UserID == current.UserID {
			userRunning++
		}
	}
	if limits.MaxPerUser > 0 && userRunning >= limits.MaxPerUser {
		return nil, fmt.Errorf("%w: user %s has %d running", ErrUserLimitReached, current.UserID, userRunning)
	}
	if limits.MaxGlobal > 0 && running >= limits.MaxGlobal {
		return nil, fmt.Errorf("%w: %d running", ErrGlobalLimitReached, running)
	}

	next := current.Clone()
	if err := ApplyUpdate(next, NewJobUpdate(WithStatus(models.JobStatusRunning)), s.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id uuid.UUID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.UserID != userID {
		return ErrNotFound
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrConflict, job.ID, job.Status)
	}
	delete(s.jobs, id)
	return nil
}

func sortOldestFirst(jobs []*models.ScreeningJob) {
	sort.Slice(jobs, func(i, j int) bool { return olderThan(jobs[i], jobs[j]) })
}

func olderThan(a, b *models.ScreeningJob) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
