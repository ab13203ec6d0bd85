package models

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a screening job. The set is closed.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrInvalidTransition is returned for any status change that is not an edge
// of the job state machine.
var ErrInvalidTransition = errors.New("invalid job status transition")

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// AllJobStatuses lists every legal status value.
func AllJobStatuses() []JobStatus {
	return []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
}

// ParseJobStatus converts s into a JobStatus, rejecting unknown values.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

func (s JobStatus) String() string { return string(s) }

// Valid reports whether s is one of the closed set of statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether s -> next is an edge of the state machine.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition moves j to status next, stamping started_at the first time the
// job enters running and completed_at when it enters a terminal state.
// On error j is left untouched.
func (j *ScreeningJob) Transition(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}

	if next == JobStatusRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if next.IsTerminal() {
		t := now
		j.CompletedAt = &t
	}

	j.Status = next
	j.UpdatedAt = now
	return nil
}
