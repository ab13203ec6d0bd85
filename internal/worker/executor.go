// Package worker drives claimed screening jobs to a terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kiranshivaraju/screener/internal/events"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/pkg/models"
)

// shutdownWriteTimeout bounds the final write made for a job interrupted by
// worker shutdown.
const shutdownWriteTimeout = 5 * time.Second

// FatalError aborts a job. The wrapped error becomes the job's error_message.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Executor runs one claimed job at a time. It holds no per-job state between
// calls and is safe for concurrent use.
type Executor struct {
	store     store.Store
	universes models.UniverseResolver
	evaluator models.StrategyEvaluator
	progress  *ProgressReporter
	publisher events.Publisher
	metrics   *Metrics
	logger    *slog.Logger

	failFast      bool
	evalTimeout   time.Duration
	progressEvery int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithFailFast fails the whole job on the first per-instrument error.
func WithFailFast(enabled bool) ExecutorOption {
	return func(e *Executor) { e.failFast = enabled }
}

// WithEvalTimeout bounds each evaluator call. Zero means no per-call bound.
func WithEvalTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.evalTimeout = d }
}

// WithProgressEvery reports progress after every n instruments.
func WithProgressEvery(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.progressEvery = n
		}
	}
}

func WithPublisher(p events.Publisher) ExecutorOption {
	return func(e *Executor) { e.publisher = p }
}

func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func NewExecutor(s store.Store, universes models.UniverseResolver, evaluator models.StrategyEvaluator, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:         s,
		universes:     universes,
		evaluator:     evaluator,
		progress:      NewProgressReporter(s, logger),
		publisher:     events.NopPublisher{},
		logger:        logger,
		progressEvery: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute drives a running job to completed, failed or cancelled and returns
// the job as last written. If ctx ends first the job is failed with a
// shutdown message, so it does not hold a running slot, and ctx's error is
// returned.
func (e *Executor) Execute(ctx context.Context, job *models.ScreeningJob) (*models.ScreeningJob, error) {
	start := time.Now()
	done := e.metrics.trackActive(ctx)
	defer done()

	log := e.logger.With(
		slog.String("job_id", job.ID.String()),
		slog.String("user_id", job.UserID),
		slog.String("strategy_id", job.StrategyID),
	)
	log.Info("job started", slog.String("universe_key", job.UniverseKey))
	e.publish(ctx, events.JobStarted, job)

	final, err := e.run(ctx, job, log)
	if err != nil && ctx.Err() != nil {
		log.Warn("job interrupted by worker shutdown", slog.String("error", err.Error()))
		final = e.interrupted(ctx, final, err)
		if final.Status.IsTerminal() {
			e.metrics.observeFinished(context.WithoutCancel(ctx), final.Status, time.Since(start))
		}
		return final, err
	}
	if err != nil {
		log.Error("job could not be finalised", slog.String("error", err.Error()))
		return final, err
	}

	if final.Status.IsTerminal() {
		e.metrics.observeFinished(ctx, final.Status, time.Since(start))
		log.Info("job finished",
			slog.String("status", string(final.Status)),
			slog.Int("stocks_processed", final.StocksProcessed),
			slog.Int("stocks_total", final.StocksTotal),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return final, nil
}

// interrupted fails a job whose run was cut short by ctx. The write uses a
// context detached from ctx since ctx is already done.
func (e *Executor) interrupted(ctx context.Context, job *models.ScreeningJob, cause error) *models.ScreeningJob {
	if job == nil || job.Status.IsTerminal() {
		return job
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWriteTimeout)
	defer cancel()

	failed, err := e.fail(writeCtx, job, &FatalError{Err: fmt.Errorf("worker shutdown: %w", cause)})
	if err != nil {
		e.logger.Error("failed to record interrupted job",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()),
		)
		return job
	}
	return failed
}

func (e *Executor) run(ctx context.Context, job *models.ScreeningJob, log *slog.Logger) (*models.ScreeningJob, error) {
	instruments, err := e.universes.Resolve(ctx, job.UniverseKey)
	if err != nil {
		if ctx.Err() != nil {
			return job, ctx.Err()
		}
		return e.fail(ctx, job, &FatalError{Err: fmt.Errorf("resolve universe %q: %w", job.UniverseKey, err)})
	}
	total := len(instruments)

	current, err := e.progress.Report(ctx, job.ID, 0, total)
	if err != nil {
		return e.handleWriteError(ctx, job, err)
	}

	results := make([]models.InstrumentResult, 0, total)
	for i, instrument := range instruments {
		if err := ctx.Err(); err != nil {
			return current, err
		}

		stop, latest, err := e.checkCancel(ctx, job)
		if err != nil {
			return e.handleWriteError(ctx, current, err)
		}
		if stop {
			return latest, nil
		}

		res, err := e.evaluate(ctx, job, instrument)
		if err != nil {
			if ctx.Err() != nil {
				return current, ctx.Err()
			}
			return e.fail(ctx, current, err)
		}
		e.metrics.observeInstrument(ctx, res.Failed())
		if res.Failed() {
			log.Warn("instrument evaluation failed",
				slog.String("instrument", instrument),
				slog.String("error", res.Error),
			)
			if e.failFast {
				return e.fail(ctx, current, &FatalError{Err: fmt.Errorf("instrument %s: %s", instrument, res.Error)})
			}
		}
		results = append(results, res)

		processed := i + 1
		if processed%e.progressEvery == 0 || processed == total {
			updated, err := e.progress.Report(ctx, job.ID, processed, total)
			if err != nil {
				return e.handleWriteError(ctx, current, err)
			}
			current = updated
			e.publish(ctx, events.JobProgress, current)
		}
	}

	stop, latest, err := e.checkCancel(ctx, job)
	if err != nil {
		return e.handleWriteError(ctx, current, err)
	}
	if stop {
		return latest, nil
	}

	summary := models.Summarize(results)
	completed, err := e.store.UpdateJob(ctx, job.ID, store.NewJobUpdate(
		store.ExpectStatus(models.JobStatusRunning),
		store.WithStatus(models.JobStatusCompleted),
		store.WithProgress(total, total, 100),
		store.WithResults(results, summary),
	))
	if err != nil {
		return e.handleWriteError(ctx, current, err)
	}
	e.publish(ctx, events.JobCompleted, completed)
	return completed, nil
}

// checkCancel re-reads the job. It stops the run when the job has left
// running, and transitions it to cancelled when a cancel was requested.
func (e *Executor) checkCancel(ctx context.Context, job *models.ScreeningJob) (bool, *models.ScreeningJob, error) {
	latest, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return false, nil, err
	}
	if latest.Status != models.JobStatusRunning {
		e.logger.Warn("job left running under executor",
			slog.String("job_id", job.ID.String()),
			slog.String("status", string(latest.Status)),
		)
		return true, latest, nil
	}
	if !latest.CancelRequested {
		return false, latest, nil
	}

	cancelled, err := e.store.UpdateJob(ctx, job.ID, store.NewJobUpdate(
		store.ExpectStatus(models.JobStatusRunning),
		store.WithStatus(models.JobStatusCancelled),
	))
	if errors.Is(err, store.ErrConflict) {
		latest, err = e.store.GetJob(ctx, job.ID)
		return true, latest, err
	}
	if err != nil {
		return false, nil, err
	}
	e.publish(ctx, events.JobCancelled, cancelled)
	return true, cancelled, nil
}

// evaluate scores one instrument. A returned error is fatal for the job;
// recoverable evaluator failures are reported in the result instead.
func (e *Executor) evaluate(ctx context.Context, job *models.ScreeningJob, instrument string) (res models.InstrumentResult, err error) {
	res.Instrument = instrument

	evalCtx := ctx
	if e.evalTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, e.evalTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in strategy evaluator",
				slog.String("job_id", job.ID.String()),
				slog.String("instrument", instrument),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = &FatalError{Err: fmt.Errorf("strategy evaluator panicked on %s: %v", instrument, r)}
		}
	}()

	ev, evalErr := e.evaluator.Evaluate(evalCtx, job.StrategyID, job.Parameters.Clone(), instrument)
	switch {
	case evalErr == nil:
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(evalErr, models.ErrEvaluatorFatal):
		return res, &FatalError{Err: fmt.Errorf("evaluate %s: %w", instrument, evalErr)}
	case errors.Is(evalErr, context.DeadlineExceeded):
		res.Error = fmt.Sprintf("evaluation timed out after %s", e.evalTimeout)
		return res, nil
	default:
		res.Error = evalErr.Error()
		return res, nil
	}

	switch ev.Classification {
	case models.ClassificationBuy, models.ClassificationHold, models.ClassificationSell:
	default:
		res.Error = fmt.Sprintf("unknown classification %q", ev.Classification)
		return res, nil
	}

	res.Classification = ev.Classification
	res.MarginOfSafety = ev.MarginOfSafety
	res.Score = ev.Score
	res.Details = ev.Details
	return res, nil
}

// fail writes cause as the job's error message and moves it to failed.
func (e *Executor) fail(ctx context.Context, job *models.ScreeningJob, cause error) (*models.ScreeningJob, error) {
	failed, err := e.store.UpdateJob(ctx, job.ID, store.NewJobUpdate(
		store.ExpectStatus(models.JobStatusRunning),
		store.WithStatus(models.JobStatusFailed),
		store.WithErrorMessage(cause.Error()),
	))
	if errors.Is(err, store.ErrConflict) {
		return e.reload(ctx, job)
	}
	if err != nil {
		return job, fmt.Errorf("record failure %q: %w", cause.Error(), err)
	}
	e.publish(ctx, events.JobFailed, failed)
	return failed, nil
}

// handleWriteError maps a failed store write during execution. A job that
// moved out of running is returned as is; a context error leaves the job
// running; anything else is a storage failure and fails the job.
func (e *Executor) handleWriteError(ctx context.Context, job *models.ScreeningJob, err error) (*models.ScreeningJob, error) {
	switch {
	case errors.Is(err, ErrJobNotRunning), errors.Is(err, store.ErrConflict):
		return e.reload(ctx, job)
	case ctx.Err() != nil:
		return job, ctx.Err()
	default:
		return e.fail(ctx, job, &FatalError{Err: fmt.Errorf("storage failure: %w", err)})
	}
}

func (e *Executor) reload(ctx context.Context, job *models.ScreeningJob) (*models.ScreeningJob, error) {
	latest, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return job, err
	}
	return latest, nil
}

func (e *Executor) publish(ctx context.Context, t events.EventType, job *models.ScreeningJob) {
	if err := e.publisher.Publish(ctx, events.NewEvent(t, job)); err != nil {
		e.logger.Warn("failed to publish job event",
			slog.String("job_id", job.ID.String()),
			slog.String("event", string(t)),
			slog.String("error", err.Error()),
		)
	}
}
