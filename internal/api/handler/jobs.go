package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/screener/internal/api/middleware"
	"github.com/kiranshivaraju/screener/internal/api/response"
	"github.com/kiranshivaraju/screener/internal/service"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/pkg/models"
)

// JobService is the subset of service.JobService the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*models.ScreeningJob, error)
	GetStatus(ctx context.Context, userID string, id uuid.UUID) (models.JobSummary, error)
	GetResult(ctx context.Context, userID string, id uuid.UUID) (*service.JobResult, error)
	Cancel(ctx context.Context, userID string, id uuid.UUID) (*models.ScreeningJob, error)
	List(ctx context.Context, userID string, status *models.JobStatus, limit int) ([]models.JobSummary, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) error
}

// Jobs serves the /api/v1/screening/jobs endpoints.
type Jobs struct {
	svc    JobService
	logger *slog.Logger
}

func NewJobs(svc JobService, logger *slog.Logger) *Jobs {
	return &Jobs{svc: svc, logger: logger}
}

type submitBody struct {
	StrategyID   string          `json:"strategy_id"`
	StrategyName string          `json:"strategy_name"`
	UniverseKey  string          `json:"universe_key"`
	UniverseName string          `json:"universe_name"`
	Parameters   json.RawMessage `json:"parameters"`
}

type submitResponse struct {
	ID     uuid.UUID        `json:"id"`
	Status models.JobStatus `json:"status"`
}

// Submit handles POST /api/v1/screening/jobs.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	var params models.Parameters
	if len(body.Parameters) > 0 && string(body.Parameters) != "null" {
		if err := json.Unmarshal(body.Parameters, &params); err != nil {
			response.ValidationFailed(w, map[string]string{"parameters": "must be a JSON object"})
			return
		}
	}

	job, err := h.svc.Submit(r.Context(), service.SubmitRequest{
		UserID:       userID,
		StrategyID:   body.StrategyID,
		StrategyName: body.StrategyName,
		UniverseKey:  body.UniverseKey,
		UniverseName: body.UniverseName,
		Parameters:   params,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Accepted(w, submitResponse{ID: job.ID, Status: job.Status})
}

// List handles GET /api/v1/screening/jobs.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var status *models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := models.ParseJobStatus(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_STATUS", err.Error(), nil)
			return
		}
		status = &st
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	jobs, err := h.svc.List(r.Context(), userID, status, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	meta := response.ListMeta{Limit: store.ListLimit(limit)}
	if status != nil {
		meta.Status = string(*status)
	}
	response.List(w, jobs, meta)
}

// Get handles GET /api/v1/screening/jobs/{jobID}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := userAndJobID(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.GetStatus(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, summary)
}

// Result handles GET /api/v1/screening/jobs/{jobID}/result.
func (h *Jobs) Result(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := userAndJobID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.GetResult(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, res)
}

// Cancel handles POST /api/v1/screening/jobs/{jobID}/cancel.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := userAndJobID(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Cancel(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Accepted(w, job.Summary())
}

// Delete handles DELETE /api/v1/screening/jobs/{jobID}.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := userAndJobID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), userID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *Jobs) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		response.ValidationFailed(w, verr.Fields)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, service.ErrNotReady):
		response.Error(w, http.StatusConflict, "JOB_NOT_READY", "Job has not finished", nil)
	case errors.Is(err, service.ErrNotCancellable):
		response.Error(w, http.StatusConflict, "JOB_NOT_CANCELLABLE", "Job has already finished", nil)
	case errors.Is(err, store.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT", "Job changed concurrently, retry", nil)
	case errors.Is(err, store.ErrStoreUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Job store is unavailable", nil)
	default:
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return "", false
	}
	return userID, true
}

func userAndJobID(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format", nil)
		return "", uuid.Nil, false
	}
	return userID, id, true
}
