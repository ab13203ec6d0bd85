// Package service implements the screening job operations exposed to users.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/screener/internal/cache"
	"github.com/kiranshivaraju/screener/internal/events"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/pkg/models"
)

const maxCancelAttempts = 3

// SubmitRequest carries everything needed to enqueue a screening job.
type SubmitRequest struct {
	UserID       string            `json:"-"             validate:"required,max=128"`
	StrategyID   string            `json:"strategy_id"   validate:"required,max=128"`
	StrategyName string            `json:"strategy_name" validate:"required,max=256"`
	UniverseKey  string            `json:"universe_key"  validate:"required,max=128"`
	UniverseName string            `json:"universe_name" validate:"required,max=256"`
	Parameters   models.Parameters `json:"parameters"`
}

// JobResult is the outcome of a terminal job. Completed jobs carry results
// and a summary, failed jobs an error message, cancelled jobs neither.
type JobResult struct {
	ID            uuid.UUID                 `json:"id"`
	Status        models.JobStatus          `json:"status"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
	Results       []models.InstrumentResult `json:"results,omitempty"`
	ResultSummary *models.ResultSummary     `json:"result_summary,omitempty"`
	ErrorMessage  *string                   `json:"error_message,omitempty"`
}

type cachedResult struct {
	UserID string    `json:"user_id"`
	Result JobResult `json:"result"`
}

// UniverseNamer looks up the display name of a universe key.
type UniverseNamer interface {
	Name(universeKey string) (string, bool)
}

// JobService is the user-facing API of the queue. Every lookup is scoped to
// the caller's user id; jobs owned by someone else are reported as not found.
type JobService struct {
	store     store.Store
	cache     cache.Cache
	cacheTTL  time.Duration
	publisher events.Publisher
	universes UniverseNamer
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*JobService)

// WithResultCache caches terminal results in c for ttl.
func WithResultCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *JobService) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *JobService) { s.publisher = p }
}

// WithUniverseNames fills in a missing universe_name on submit.
func WithUniverseNames(n UniverseNamer) Option {
	return func(s *JobService) { s.universes = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *JobService) { s.now = now }
}

func New(st store.Store, logger *slog.Logger, opts ...Option) *JobService {
	s := &JobService{
		store:     st,
		publisher: events.NopPublisher{},
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req and stores a new pending job.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*models.ScreeningJob, error) {
	if req.UniverseName == "" && s.universes != nil {
		if name, ok := s.universes.Name(req.UniverseKey); ok {
			req.UniverseName = name
		}
	}
	if err := s.validateSubmit(req); err != nil {
		return nil, err
	}

	params := req.Parameters.Clone()
	if params == nil {
		params = models.Parameters{}
	}

	now := s.now()
	job := &models.ScreeningJob{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Status:       models.JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		StrategyID:   req.StrategyID,
		StrategyName: req.StrategyName,
		UniverseKey:  req.UniverseKey,
		UniverseName: req.UniverseName,
		Parameters:   params,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("screening job submitted",
		slog.String("job_id", job.ID.String()),
		slog.String("user_id", job.UserID),
		slog.String("strategy_id", job.StrategyID),
		slog.String("universe_key", job.UniverseKey),
	)
	s.publish(ctx, events.JobSubmitted, job)
	return job, nil
}

func (s *JobService) validateSubmit(req SubmitRequest) error {
	fields := make(map[string]string)

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate request: %w", err)
		}
		for _, fe := range verrs {
			fields[jsonName(fe.Field())] = describe(fe)
		}
	}

	if req.Parameters != nil {
		if _, err := json.Marshal(req.Parameters); err != nil {
			fields["parameters"] = "must be structured data"
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// GetStatus returns the polling view of a job, without results.
func (s *JobService) GetStatus(ctx context.Context, userID string, id uuid.UUID) (models.JobSummary, error) {
	job, err := s.ownedJob(ctx, userID, id)
	if err != nil {
		return models.JobSummary{}, err
	}
	return job.Summary(), nil
}

// GetResult returns the outcome of a terminal job, or ErrNotReady.
func (s *JobService) GetResult(ctx context.Context, userID string, id uuid.UUID) (*JobResult, error) {
	if res, ok := s.cachedResult(ctx, userID, id); ok {
		return res, nil
	}

	job, err := s.ownedJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotReady, job.ID, job.Status)
	}

	res := &JobResult{
		ID:          job.ID,
		Status:      job.Status,
		CompletedAt: job.CompletedAt,
	}
	switch job.Status {
	case models.JobStatusCompleted:
		res.Results = job.Results
		res.ResultSummary = job.ResultSummary
	case models.JobStatusFailed:
		res.ErrorMessage = job.ErrorMessage
	}

	s.storeResult(ctx, userID, res)
	return res, nil
}

// Cancel stops a job. A pending job is cancelled at once; a running job gets
// its cancel flag set and is stopped by its executor at the next instrument.
func (s *JobService) Cancel(ctx context.Context, userID string, id uuid.UUID) (*models.ScreeningJob, error) {
	job, err := s.ownedJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		var upd store.JobUpdate
		event := events.JobCancelRequested
		switch job.Status {
		case models.JobStatusPending:
			upd = store.NewJobUpdate(
				store.ExpectStatus(models.JobStatusPending),
				store.WithStatus(models.JobStatusCancelled),
				store.WithCancelRequested(),
			)
			event = events.JobCancelled
		case models.JobStatusRunning:
			if job.CancelRequested {
				return job, nil
			}
			upd = store.NewJobUpdate(
				store.ExpectStatus(models.JobStatusRunning),
				store.WithCancelRequested(),
			)
		default:
			return nil, fmt.Errorf("%w: job %s is %s", ErrNotCancellable, job.ID, job.Status)
		}

		updated, err := s.store.UpdateJob(ctx, id, upd)
		if err == nil {
			s.logger.Info("screening job cancel requested",
				slog.String("job_id", id.String()),
				slog.String("user_id", userID),
				slog.String("status", string(updated.Status)),
			)
			s.publish(ctx, event, updated)
			return updated, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("cancel job: %w", err)
		}

		// Lost a race with a claim or a finishing executor; look again.
		if job, err = s.ownedJob(ctx, userID, id); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("cancel job %s: %w", id, store.ErrConflict)
}

// List returns the caller's jobs, newest first.
func (s *JobService) List(ctx context.Context, userID string, status *models.JobStatus, limit int) ([]models.JobSummary, error) {
	if status != nil && !status.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"status": "is not a known job status"}}
	}
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{UserID: userID, Status: status, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]models.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Summary())
	}
	return out, nil
}

// Delete removes a finished job owned by userID.
func (s *JobService) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	if err := s.store.DeleteJob(ctx, id, userID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.JobResultKey(id)); err != nil {
			s.logger.Warn("failed to evict cached result",
				slog.String("job_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.Info("screening job deleted", slog.String("job_id", id.String()), slog.String("user_id", userID))
	return nil
}

func (s *JobService) ownedJob(ctx context.Context, userID string, id uuid.UUID) (*models.ScreeningJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (s *JobService) cachedResult(ctx context.Context, userID string, id uuid.UUID) (*JobResult, bool) {
	if s.cache == nil {
		return nil, false
	}
	var cached cachedResult
	ok, err := cache.GetJSON(ctx, s.cache, cache.JobResultKey(id), &cached)
	if err != nil {
		s.logger.Warn("result cache read failed", slog.String("job_id", id.String()), slog.String("error", err.Error()))
		return nil, false
	}
	if !ok || cached.UserID != userID {
		return nil, false
	}
	return &cached.Result, true
}

func (s *JobService) storeResult(ctx context.Context, userID string, res *JobResult) {
	if s.cache == nil {
		return
	}
	entry := cachedResult{UserID: userID, Result: *res}
	if err := cache.SetJSON(ctx, s.cache, cache.JobResultKey(res.ID), entry, s.cacheTTL); err != nil {
		s.logger.Warn("result cache write failed", slog.String("job_id", res.ID.String()), slog.String("error", err.Error()))
	}
}

func (s *JobService) publish(ctx context.Context, t events.EventType, job *models.ScreeningJob) {
	if err := s.publisher.Publish(ctx, events.NewEvent(t, job)); err != nil {
		s.logger.Warn("failed to publish job event",
			slog.String("job_id", job.ID.String()),
			slog.String("event", string(t)),
			slog.String("error", err.Error()),
		)
	}
}

var fieldNames = map[string]string{
	"UserID":       "user_id",
	"StrategyID":   "strategy_id",
	"StrategyName": "strategy_name",
	"UniverseKey":  "universe_key",
	"UniverseName": "universe_name",
}

func jsonName(field string) string {
	if n, ok := fieldNames[field]; ok {
		return n
	}
	return field
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}
