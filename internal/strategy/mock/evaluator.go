package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/screener/pkg/models"
)

// Evaluator satisfies models.StrategyEvaluator for testing. It records every
// instrument it was asked about.
type Evaluator struct {
	EvaluateFunc func(ctx context.Context, strategyID string, params models.Parameters, instrument string) (models.Evaluation, error)

	mu    sync.Mutex
	calls []string
}

func (m *Evaluator) Name() string { return "mock" }

func (m *Evaluator) Evaluate(ctx context.Context, strategyID string, params models.Parameters, instrument string) (models.Evaluation, error) {
	m.mu.Lock()
	m.calls = append(m.calls, instrument)
	m.mu.Unlock()

	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, strategyID, params, instrument)
	}
	return models.Evaluation{Classification: models.ClassificationHold}, nil
}

// Calls returns the instruments evaluated so far, in call order.
func (m *Evaluator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// NewEvaluator returns an Evaluator that answers from a fixed table.
// Instruments missing from the table are classified HOLD.
func NewEvaluator(table map[string]models.Evaluation) *Evaluator {
	return &Evaluator{
		EvaluateFunc: func(_ context.Context, _ string, _ models.Parameters, instrument string) (models.Evaluation, error) {
			if ev, ok := table[instrument]; ok {
				return ev, nil
			}
			return models.Evaluation{Classification: models.ClassificationHold}, nil
		},
	}
}

// NewFailingEvaluator returns an Evaluator whose calls for the listed
// instruments fail with err; everything else is classified HOLD.
func NewFailingEvaluator(err error, instruments ...string) *Evaluator {
	fail := make(map[string]bool, len(instruments))
	for _, i := range instruments {
		fail[i] = true
	}
	return &Evaluator{
		EvaluateFunc: func(_ context.Context, _ string, _ models.Parameters, instrument string) (models.Evaluation, error) {
			if len(fail) == 0 || fail[instrument] {
				return models.Evaluation{}, err
			}
			return models.Evaluation{Classification: models.ClassificationHold}, nil
		},
	}
}

// NewBlockingEvaluator returns an Evaluator that blocks until ctx is done.
func NewBlockingEvaluator() *Evaluator {
	return &Evaluator{
		EvaluateFunc: func(ctx context.Context, _ string, _ models.Parameters, _ string) (models.Evaluation, error) {
			<-ctx.Done()
			return models.Evaluation{}, ctx.Err()
		},
	}
}

// Compile-time check that Evaluator implements StrategyEvaluator.
var _ models.StrategyEvaluator = (*Evaluator)(nil)
