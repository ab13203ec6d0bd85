// Package models contains shared data models used across the screener codebase.
package models

import (
	"context"
	"errors"
)

// ErrEvaluatorFatal marks evaluator errors that make every remaining
// instrument pointless to try (unknown strategy, rejected credentials).
// Evaluator errors that do not wrap it are recorded per instrument.
var ErrEvaluatorFatal = errors.New("strategy evaluator fatal error")

// StrategyEvaluator is the external collaborator that scores one instrument.
// Never call a concrete evaluator directly; always inject this interface.
type StrategyEvaluator interface {
	// Evaluate runs strategyID with params against a single instrument.
	Evaluate(ctx context.Context, strategyID string, params Parameters, instrument string) (Evaluation, error)
	// Name returns the evaluator identifier (e.g., "http", "static").
	Name() string
}

// UniverseResolver is the external collaborator that expands a universe key
// into an ordered list of instrument identifiers.
type UniverseResolver interface {
	Resolve(ctx context.Context, universeKey string) ([]string, error)
}
