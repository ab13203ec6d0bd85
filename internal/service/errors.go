package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotReady is returned when results are requested for a job that has
	// not reached a terminal status.
	ErrNotReady = errors.New("job has not finished")

	// ErrNotCancellable is returned when cancelling a job that already
	// finished.
	ErrNotCancellable = errors.New("job cannot be cancelled")

	// ErrValidation is the sentinel wrapped by every ValidationError.
	ErrValidation = errors.New("invalid request")
)

// ValidationError lists the offending fields of a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s %s", name, e.Fields[name]))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
