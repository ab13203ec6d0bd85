package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/pkg/models"
)

// ErrJobNotRunning is returned when a progress report arrives for a job that
// has already left running. The report is dropped.
var ErrJobNotRunning = errors.New("job is no longer running")

// ProgressReporter is the only path by which an executor writes progress.
type ProgressReporter struct {
	store  store.Store
	logger *slog.Logger
}

func NewProgressReporter(s store.Store, logger *slog.Logger) *ProgressReporter {
	return &ProgressReporter{store: s, logger: logger}
}

// Report records processed of total instruments. Progress is
// floor(100*processed/total) and is left alone while total is 0.
func (r *ProgressReporter) Report(ctx context.Context, id uuid.UUID, processed, total int) (*models.ScreeningJob, error) {
	running := models.JobStatusRunning
	upd := store.JobUpdate{
		ExpectStatus:    &running,
		StocksProcessed: &processed,
		StocksTotal:     &total,
	}
	if total > 0 {
		p := 100 * processed / total
		upd.Progress = &p
	}

	job, err := r.store.UpdateJob(ctx, id, upd)
	if errors.Is(err, store.ErrConflict) {
		r.logger.Warn("progress report rejected",
			slog.String("job_id", id.String()),
			slog.Int("processed", processed),
			slog.Int("total", total),
			slog.String("error", err.Error()),
		)
		return nil, ErrJobNotRunning
	}
	return job, err
}
