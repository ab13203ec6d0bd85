package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kiranshivaraju/screener/pkg/models"
)

const meterName = "screener/worker"

// Metrics records worker activity. A nil *Metrics records nothing.
type Metrics struct {
	jobsClaimed          metric.Int64Counter
	jobsFinished         metric.Int64Counter
	jobsReaped           metric.Int64Counter
	activeJobs           metric.Int64UpDownCounter
	instrumentsEvaluated metric.Int64Counter
	jobDuration          metric.Float64Histogram
}

// NewMetrics registers the worker instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := new(Metrics)
	var err error

	if m.jobsClaimed, err = meter.Int64Counter(
		"screening_jobs_claimed_total",
		metric.WithDescription("Total number of screening jobs claimed by workers"),
	); err != nil {
		return nil, err
	}

	if m.jobsFinished, err = meter.Int64Counter(
		"screening_jobs_finished_total",
		metric.WithDescription("Total number of screening jobs reaching a terminal status"),
	); err != nil {
		return nil, err
	}

	if m.jobsReaped, err = meter.Int64Counter(
		"screening_jobs_reaped_total",
		metric.WithDescription("Total number of running jobs failed by the timeout reaper"),
	); err != nil {
		return nil, err
	}

	if m.activeJobs, err = meter.Int64UpDownCounter(
		"screening_jobs_active",
		metric.WithDescription("Number of screening jobs currently executing in this process"),
	); err != nil {
		return nil, err
	}

	if m.instrumentsEvaluated, err = meter.Int64Counter(
		"screening_instruments_evaluated_total",
		metric.WithDescription("Total number of instrument evaluations, by outcome"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"screening_job_duration_seconds",
		metric.WithDescription("Wall-clock time from claim to terminal status"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) incClaimed(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsClaimed.Add(ctx, 1)
}

func (m *Metrics) incReaped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.jobsReaped.Add(ctx, int64(n))
}

func (m *Metrics) trackActive(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.activeJobs.Add(ctx, 1)
	return func() { m.activeJobs.Add(ctx, -1) }
}

func (m *Metrics) observeInstrument(ctx context.Context, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.instrumentsEvaluated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) observeFinished(ctx context.Context, status models.JobStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.jobsFinished.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
}
