package strategy

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/kiranshivaraju/screener/pkg/models"
)

// StaticEvaluator is a deterministic stand-in for local runs and demos. It
// derives a margin of safety from a hash of strategy and instrument, then
// classifies against the job's thresholds:
//
//	buy_threshold   (default 30)  margin >= threshold is BUY
//	sell_threshold  (default 0)   margin <  threshold is SELL
//	skip            instruments reported as lacking data
type StaticEvaluator struct{}

func NewStaticEvaluator() *StaticEvaluator { return &StaticEvaluator{} }

func (StaticEvaluator) Name() string { return "static" }

func (StaticEvaluator) Evaluate(ctx context.Context, strategyID string, params models.Parameters, instrument string) (models.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return models.Evaluation{}, err
	}
	if skipped(params, instrument) {
		return models.Evaluation{}, fmt.Errorf("%w: no data for %s", ErrEvaluationFailed, instrument)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(strategyID + "/" + instrument))
	mos := float64(int(h.Sum32()%101) - 50)

	buy := floatParam(params, "buy_threshold", 30)
	sell := floatParam(params, "sell_threshold", 0)

	class := models.ClassificationHold
	switch {
	case mos >= buy:
		class = models.ClassificationBuy
	case mos < sell:
		class = models.ClassificationSell
	}

	return models.Evaluation{
		Classification: class,
		MarginOfSafety: mos,
		Score:          50 + mos/2,
		Details:        map[string]any{"source": "static"},
	}, nil
}

func floatParam(params models.Parameters, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func skipped(params models.Parameters, instrument string) bool {
	list, _ := params["skip"].([]any)
	for _, v := range list {
		if s, ok := v.(string); ok && s == instrument {
			return true
		}
	}
	return false
}

var _ models.StrategyEvaluator = (*StaticEvaluator)(nil)
