// Package events publishes screening job lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/screener/internal/config"
	"github.com/kiranshivaraju/screener/pkg/models"
	"github.com/nats-io/nats.go"
)

type EventType string

const (
	JobSubmitted       EventType = "submitted"
	JobStarted         EventType = "started"
	JobProgress        EventType = "progress"
	JobCompleted       EventType = "completed"
	JobFailed          EventType = "failed"
	JobCancelled       EventType = "cancelled"
	JobCancelRequested EventType = "cancel_requested"
)

// Event is the payload published for every lifecycle change of a job.
type Event struct {
	Type            EventType        `json:"type"`
	JobID           uuid.UUID        `json:"job_id"`
	UserID          string           `json:"user_id"`
	Status          models.JobStatus `json:"status"`
	Progress        int              `json:"progress"`
	StocksProcessed int              `json:"stocks_processed"`
	StocksTotal     int              `json:"stocks_total"`
	Error           string           `json:"error,omitempty"`
	OccurredAt      time.Time        `json:"occurred_at"`
}

// NewEvent builds an event of type t describing job's current state.
func NewEvent(t EventType, job *models.ScreeningJob) Event {
	e := Event{
		Type:            t,
		JobID:           job.ID,
		UserID:          job.UserID,
		Status:          job.Status,
		Progress:        job.Progress,
		StocksProcessed: job.StocksProcessed,
		StocksTotal:     job.StocksTotal,
		OccurredAt:      time.Now().UTC(),
	}
	if job.ErrorMessage != nil {
		e.Error = *job.ErrorMessage
	}
	return e
}

// Publisher emits job lifecycle events. Publishing is best effort: callers
// log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close()                               {}

// NATSPublisher publishes events as JSON on "<prefix>.<type>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials url and returns a publisher that reconnects forever.
func ConnectNATS(url, subjectPrefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("screener"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: subjectPrefix}, nil
}

// Subject returns the subject an event of type t is published on.
func (p *NATSPublisher) Subject(t EventType) string {
	return Subject(p.prefix, t)
}

func Subject(prefix string, t EventType) string {
	return prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e.Type), b); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Ping reports whether the connection is currently usable.
func (p *NATSPublisher) Ping(context.Context) error {
	if p.nc == nil || !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

// FromConfig returns a NATS publisher when cfg.URL is set, or a
// NopPublisher otherwise.
func FromConfig(cfg config.NATSConfig) (Publisher, error) {
	if cfg.URL == "" {
		return NopPublisher{}, nil
	}
	return ConnectNATS(cfg.URL, cfg.SubjectPrefix)
}
