package models

import (
	"time"

	"github.com/google/uuid"
)

// ScreeningJob is one screening request: which strategy to run against which
// universe, its lifecycle state, progress counters, and eventual outcome.
// Configuration fields (UserID through Parameters) are write-once at creation.
type ScreeningJob struct {
	ID     uuid.UUID `db:"id"      json:"id"`
	UserID string    `db:"user_id" json:"user_id"`
	Status JobStatus `db:"status"  json:"status"`

	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`

	StrategyID   string     `db:"strategy_id"   json:"strategy_id"`
	StrategyName string     `db:"strategy_name" json:"strategy_name"`
	UniverseKey  string     `db:"universe_key"  json:"universe_key"`
	UniverseName string     `db:"universe_name" json:"universe_name"`
	Parameters   Parameters `db:"parameters"    json:"parameters"`

	Results       []InstrumentResult `db:"results"        json:"results,omitempty"`
	ResultSummary *ResultSummary     `db:"result_summary" json:"result_summary,omitempty"`
	ErrorMessage  *string            `db:"error_message"  json:"error_message,omitempty"`

	Progress        int `db:"progress"         json:"progress"`
	StocksProcessed int `db:"stocks_processed" json:"stocks_processed"`
	StocksTotal     int `db:"stocks_total"     json:"stocks_total"`

	CancelRequested bool `db:"cancel_requested" json:"cancel_requested"`
}

// JobSummary is the cheap polling view of a job: everything except the
// results payload.
type JobSummary struct {
	ID              uuid.UUID      `json:"id"`
	UserID          string         `json:"user_id"`
	Status          JobStatus      `json:"status"`
	StrategyID      string         `json:"strategy_id"`
	StrategyName    string         `json:"strategy_name"`
	UniverseKey     string         `json:"universe_key"`
	UniverseName    string         `json:"universe_name"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Progress        int            `json:"progress"`
	StocksProcessed int            `json:"stocks_processed"`
	StocksTotal     int            `json:"stocks_total"`
	CancelRequested bool           `json:"cancel_requested"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	ResultSummary   *ResultSummary `json:"result_summary,omitempty"`
}

// Summary returns the polling view of j.
func (j *ScreeningJob) Summary() JobSummary {
	return JobSummary{
		ID:              j.ID,
		UserID:          j.UserID,
		Status:          j.Status,
		StrategyID:      j.StrategyID,
		StrategyName:    j.StrategyName,
		UniverseKey:     j.UniverseKey,
		UniverseName:    j.UniverseName,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		Progress:        j.Progress,
		StocksProcessed: j.StocksProcessed,
		StocksTotal:     j.StocksTotal,
		CancelRequested: j.CancelRequested,
		ErrorMessage:    j.ErrorMessage,
		ResultSummary:   j.ResultSummary,
	}
}

// Clone returns a deep copy of j so callers can mutate it without touching
// shared state.
func (j *ScreeningJob) Clone() *ScreeningJob {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.Parameters = j.Parameters.Clone()
	if j.Results != nil {
		c.Results = make([]InstrumentResult, len(j.Results))
		copy(c.Results, j.Results)
	}
	if j.ResultSummary != nil {
		s := *j.ResultSummary
		c.ResultSummary = &s
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
