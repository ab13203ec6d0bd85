package strategy

import (
	"fmt"

	"github.com/kiranshivaraju/screener/internal/config"
	"github.com/kiranshivaraju/screener/pkg/models"
)

// NewEvaluator constructs the configured strategy evaluator.
// Called once at process startup.
func NewEvaluator(cfg config.StrategyConfig) (models.StrategyEvaluator, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTPEvaluator(cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.RatePerSecond, cfg.Burst), nil
	case "static":
		return NewStaticEvaluator(), nil
	default:
		return nil, fmt.Errorf("unknown strategy provider %q: must be one of http, static", cfg.Provider)
	}
}
