package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(userID string, createdAt time.Time) *models.ScreeningJob {
	return &models.ScreeningJob{
		ID:           uuid.New(),
		UserID:       userID,
		Status:       models.JobStatusPending,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
		StrategyID:   "graham",
		StrategyName: "Graham Defensive",
		UniverseKey:  "sp500",
		UniverseName: "S&P 500",
		Parameters:   models.Parameters{"mos_threshold": 30.0},
	}
}

func seed(t *testing.T, s store.Store, jobs ...*models.ScreeningJob) {
	t.Helper()
	for _, j := range jobs {
		require.NoError(t, s.CreateJob(context.Background(), j))
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob("u1", time.Now().UTC())

	require.NoError(t, s.CreateJob(ctx, job))
	assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrDuplicateKey)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StrategyID, got.StrategyID)
	assert.Equal(t, models.JobStatusPending, got.Status)

	// Returned copies are detached from the store.
	got.Parameters["mos_threshold"] = 5.0
	again, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 30.0, again.Parameters["mos_threshold"])

	_, err = s.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_CreateRejectsNonPending(t *testing.T) {
	s := store.NewMemoryStore()
	job := newJob("u1", time.Now().UTC())
	job.Status = models.JobStatusRunning
	assert.Error(t, s.CreateJob(context.Background(), job))
}

func TestMemoryStore_ListJobs(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	a := newJob("u1", base)
	b := newJob("u1", base.Add(time.Minute))
	c := newJob("u1", base.Add(2*time.Minute))
	other := newJob("u2", base)
	seed(t, s, a, b, c, other)

	jobs, err := s.ListJobs(ctx, store.JobFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []uuid.UUID{c.ID, b.ID, a.ID}, []uuid.UUID{jobs[0].ID, jobs[1].ID, jobs[2].ID})

	_, err = s.ClaimJob(ctx, a.ID, store.ClaimLimits{})
	require.NoError(t, err)

	running := models.JobStatusRunning
	jobs, err = s.ListJobs(ctx, store.JobFilter{UserID: "u1", Status: &running})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, a.ID, jobs[0].ID)

	jobs, err = s.ListJobs(ctx, store.JobFilter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestMemoryStore_ListPendingIsFIFO(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	late := newJob("u1", base.Add(time.Hour))
	early := newJob("u2", base)
	seed(t, s, late, early)

	jobs, err := s.ListPending(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, early.ID, jobs[0].ID)
	assert.Equal(t, late.ID, jobs[1].ID)
}

func TestMemoryStore_ListPendingReturnsOneHeadPerUser(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a1 := newJob("alice", base)
	a2 := newJob("alice", base.Add(time.Second))
	b1 := newJob("bob", base.Add(time.Minute))
	seed(t, s, a2, b1, a1)

	jobs, err := s.ListPending(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, a1.ID, jobs[0].ID)
	assert.Equal(t, b1.ID, jobs[1].ID)
}

func TestMemoryStore_ListPendingSkipsUsersAtCap(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a1 := newJob("alice", base)
	a2 := newJob("alice", base.Add(time.Second))
	b1 := newJob("bob", base.Add(time.Minute))
	seed(t, s, a1, a2, b1)

	_, err := s.ClaimJob(ctx, a1.ID, store.ClaimLimits{})
	require.NoError(t, err)

	jobs, err := s.ListPending(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, b1.ID, jobs[0].ID)

	jobs, err = s.ListPending(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, a2.ID, jobs[0].ID)
}

func TestMemoryStore_UpdateJob(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob("u1", time.Now().UTC())
	seed(t, s, job)

	t.Run("expect status guard", func(t *testing.T) {
		_, err := s.UpdateJob(ctx, job.ID, store.NewJobUpdate(
			store.ExpectStatus(models.JobStatusRunning),
			store.WithProgress(1, 10, 10),
		))
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("invalid transition writes nothing", func(t *testing.T) {
		_, err := s.UpdateJob(ctx, job.ID, store.NewJobUpdate(
			store.WithStatus(models.JobStatusCompleted),
			store.WithProgress(0, 10, 0),
		))
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.Equal(t, 0, got.StocksTotal)
	})

	_, err := s.ClaimJob(ctx, job.ID, store.ClaimLimits{})
	require.NoError(t, err)

	t.Run("progress never regresses", func(t *testing.T) {
		_, err := s.UpdateJob(ctx, job.ID, store.NewJobUpdate(store.WithProgress(5, 10, 50)))
		require.NoError(t, err)
		got, err := s.UpdateJob(ctx, job.ID, store.NewJobUpdate(store.WithProgress(5, 10, 20)))
		require.NoError(t, err)
		assert.Equal(t, 50, got.Progress)
	})

	t.Run("processed cannot exceed total", func(t *testing.T) {
		_, err := s.UpdateJob(ctx, job.ID, store.NewJobUpdate(store.WithProgress(11, 10, 100)))
		assert.Error(t, err)
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.StocksProcessed)
	})

	t.Run("results only with completion", func(t *testing.T) {
		results := []models.InstrumentResult{{Instrument: "AAPL", Classification: models.ClassificationBuy}}
		_, err := s.UpdateJob(ctx, job.ID, store.NewJobUpdate(store.WithResults(results, models.Summarize(results))))
		assert.Error(t, err)

		got, err := s.UpdateJob(ctx, job.ID, store.NewJobUpdate(
			store.ExpectStatus(models.JobStatusRunning),
			store.WithStatus(models.JobStatusCompleted),
			store.WithProgress(10, 10, 100),
			store.WithResults(results, models.Summarize(results)),
		))
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
		require.NotNil(t, got.ResultSummary)
		assert.Equal(t, 1, got.ResultSummary.BuyCount)
	})

	_, err = s.UpdateJob(ctx, uuid.New(), store.JobUpdate{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_ClaimLimits(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()
	a1 := newJob("alice", base)
	a2 := newJob("alice", base.Add(time.Second))
	b1 := newJob("bob", base.Add(2*time.Second))
	seed(t, s, a1, a2, b1)

	limits := store.ClaimLimits{MaxPerUser: 1, MaxGlobal: 2}
	_, err := s.ClaimJob(ctx, a1.ID, limits)
	require.NoError(t, err)

	_, err = s.ClaimJob(ctx, a2.ID, limits)
	assert.ErrorIs(t, err, store.ErrLimitReached)

	_, err = s.ClaimJob(ctx, b1.ID, limits)
	require.NoError(t, err)

	_, err = s.ClaimJob(ctx, a1.ID, limits)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestMemoryStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob("u1", time.Now().UTC())
	seed(t, s, job)

	const claimers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	wg.Add(claimers)
	for i := 0; i < claimers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.ClaimJob(ctx, job.ID, store.ClaimLimits{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, store.ErrConflict) {
				conflict++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, claimers-1, conflict)
}

func TestMemoryStore_ConcurrentClaimsRespectGlobalCap(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	var jobs []*models.ScreeningJob
	for i := 0; i < 20; i++ {
		j := newJob(uuid.NewString(), base.Add(time.Duration(i)*time.Millisecond))
		jobs = append(jobs, j)
	}
	seed(t, s, jobs...)

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, _ = s.ClaimJob(ctx, id, store.ClaimLimits{MaxGlobal: 3})
		}(j.ID)
	}
	wg.Wait()

	running := 0
	for _, j := range jobs {
		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		if got.Status == models.JobStatusRunning {
			running++
		}
	}
	assert.Equal(t, 3, running)
}

func TestMemoryStore_ListStaleRunning(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return t0 })

	stale := newJob("u1", t0)
	fresh := newJob("u1", t0)
	seed(t, s, stale, fresh)
	_, err := s.ClaimJob(ctx, stale.ID, store.ClaimLimits{})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return t0.Add(10 * time.Minute) })
	_, err = s.ClaimJob(ctx, fresh.ID, store.ClaimLimits{})
	require.NoError(t, err)

	jobs, err := s.ListStaleRunning(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ID, jobs[0].ID)
}

func TestMemoryStore_DeleteJob(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob("u1", time.Now().UTC())
	seed(t, s, job)

	assert.ErrorIs(t, s.DeleteJob(ctx, job.ID, "u1"), store.ErrConflict)
	assert.ErrorIs(t, s.DeleteJob(ctx, job.ID, "u2"), store.ErrNotFound)

	_, err := s.UpdateJob(ctx, job.ID, store.NewJobUpdate(store.WithStatus(models.JobStatusCancelled)))
	require.NoError(t, err)

	require.NoError(t, s.DeleteJob(ctx, job.ID, "u1"))
	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_APIKeys(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    "u1",
		Name:      "laptop",
		KeyHash:   "hash",
		KeyPrefix: "sk_abcde",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)

	keys, err := s.GetAPIKeyByPrefix(ctx, "sk_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "u1", keys[0].UserID)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "sk_abcde")
	require.NoError(t, err)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestListLimit(t *testing.T) {
	assert.Equal(t, 50, store.ListLimit(0))
	assert.Equal(t, 50, store.ListLimit(-3))
	assert.Equal(t, 10, store.ListLimit(10))
	assert.Equal(t, 200, store.ListLimit(500))
}
