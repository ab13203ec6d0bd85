package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/screener/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrConflict is returned when a guarded update finds the job in a
	// different status than the caller expected.
	ErrConflict = errors.New("job status conflict")
	// ErrLimitReached is returned by ClaimJob when the user or global
	// running cap is already met.
	ErrLimitReached       = errors.New("running job limit reached")
	ErrUserLimitReached   = fmt.Errorf("per-user %w", ErrLimitReached)
	ErrGlobalLimitReached = fmt.Errorf("global %w", ErrLimitReached)
	// ErrStoreUnavailable marks transient failures (connection refused,
	// dropped connection before the query was sent).
	ErrStoreUnavailable = errors.New("store unavailable")
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateJob(ctx context.Context, job *models.ScreeningJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ScreeningJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.ScreeningJob, error)
	// UpdateJob applies upd atomically: either every field is written or none is.
	UpdateJob(ctx context.Context, id uuid.UUID, upd JobUpdate) (*models.ScreeningJob, error)
	// ClaimJob moves a pending job to running for exactly one caller.
	ClaimJob(ctx context.Context, id uuid.UUID, limits ClaimLimits) (*models.ScreeningJob, error)
	// ListPending returns the oldest pending job of each user whose running
	// count is below maxRunningPerUser (zero means no cap), oldest first.
	ListPending(ctx context.Context, maxRunningPerUser, limit int) ([]*models.ScreeningJob, error)
	ListStaleRunning(ctx context.Context, olderThan time.Time) ([]*models.ScreeningJob, error)
	DeleteJob(ctx context.Context, id uuid.UUID, userID string) error
}

// JobFilter selects a user's jobs, newest first.
type JobFilter struct {
	UserID string
	Status *models.JobStatus
	Limit  int
}

func (f JobFilter) limit() int { return ListLimit(f.Limit) }

// ListLimit returns the page size a ListJobs call with the requested limit
// actually uses.
func ListLimit(requested int) int {
	switch {
	case requested <= 0:
		return defaultListLimit
	case requested > maxListLimit:
		return maxListLimit
	}
	return requested
}

// ClaimLimits bounds how many jobs may be running at once. Zero means unlimited.
type ClaimLimits struct {
	MaxPerUser int
	MaxGlobal  int
}

// JobUpdate is a partial update of a job's mutable fields. Nil fields are
// left untouched.
type JobUpdate struct {
	// ExpectStatus, when set, makes the update conditional on the stored status.
	ExpectStatus *models.JobStatus
	Status       *models.JobStatus

	Progress        *int
	StocksProcessed *int
	StocksTotal     *int

	Results         []models.InstrumentResult
	ResultSummary   *models.ResultSummary
	ErrorMessage    *string
	CancelRequested *bool
}

type JobUpdateOption func(*JobUpdate)

// NewJobUpdate builds a JobUpdate from options.
func NewJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func ExpectStatus(s models.JobStatus) JobUpdateOption {
	return func(u *JobUpdate) { u.ExpectStatus = &s }
}

func WithStatus(s models.JobStatus) JobUpdateOption {
	return func(u *JobUpdate) { u.Status = &s }
}

func WithProgress(processed, total, progress int) JobUpdateOption {
	return func(u *JobUpdate) {
		u.StocksProcessed = &processed
		u.StocksTotal = &total
		u.Progress = &progress
	}
}

func WithResults(results []models.InstrumentResult, summary models.ResultSummary) JobUpdateOption {
	return func(u *JobUpdate) {
		u.Results = results
		u.ResultSummary = &summary
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(u *JobUpdate) { u.ErrorMessage = &msg }
}

func WithCancelRequested() JobUpdateOption {
	return func(u *JobUpdate) {
		v := true
		u.CancelRequested = &v
	}
}

// ApplyUpdate validates upd against job and applies it in place. It is the
// single place where update invariants are enforced; every Store
// implementation loads the current row, calls ApplyUpdate on a copy, and
// persists the copy only when it returns nil.
func ApplyUpdate(job *models.ScreeningJob, upd JobUpdate, now time.Time) error {
	if upd.ExpectStatus != nil && job.Status != *upd.ExpectStatus {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrConflict, job.ID, job.Status, *upd.ExpectStatus)
	}

	if upd.Status != nil {
		if err := job.Transition(*upd.Status, now); err != nil {
			return err
		}
	}

	if upd.StocksTotal != nil {
		if *upd.StocksTotal < 0 {
			return fmt.Errorf("stocks_total must be non-negative, got %d", *upd.StocksTotal)
		}
		job.StocksTotal = *upd.StocksTotal
	}
	if upd.StocksProcessed != nil {
		if *upd.StocksProcessed < 0 {
			return fmt.Errorf("stocks_processed must be non-negative, got %d", *upd.StocksProcessed)
		}
		job.StocksProcessed = *upd.StocksProcessed
	}
	if job.StocksTotal > 0 && job.StocksProcessed > job.StocksTotal {
		return fmt.Errorf("stocks_processed %d exceeds stocks_total %d", job.StocksProcessed, job.StocksTotal)
	}
	if upd.Progress != nil {
		p := *upd.Progress
		if p < 0 || p > 100 {
			return fmt.Errorf("progress must be within [0,100], got %d", p)
		}
		// Progress never regresses.
		if p > job.Progress {
			job.Progress = p
		}
	}

	if upd.Results != nil || upd.ResultSummary != nil {
		if job.Status != models.JobStatusCompleted {
			return fmt.Errorf("results may only be stored on a completed job (status %s)", job.Status)
		}
		job.Results = upd.Results
		job.ResultSummary = upd.ResultSummary
	}
	if upd.ErrorMessage != nil {
		if job.Status != models.JobStatusFailed {
			return fmt.Errorf("error message may only be stored on a failed job (status %s)", job.Status)
		}
		job.ErrorMessage = upd.ErrorMessage
	}
	if upd.CancelRequested != nil {
		job.CancelRequested = *upd.CancelRequested
	}

	job.UpdatedAt = now
	return nil
}
