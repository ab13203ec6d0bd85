package strategy

import "errors"

var (
	ErrEvaluatorUnreachable = errors.New("strategy evaluator unreachable")
	ErrEvaluatorTimeout     = errors.New("strategy evaluation timeout")
	ErrEvaluationFailed     = errors.New("strategy evaluation failed")
	ErrInvalidResponse      = errors.New("strategy evaluator returned invalid response")
)
