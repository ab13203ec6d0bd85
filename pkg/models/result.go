package models

// Classification is the signal a strategy assigns to one instrument.
type Classification string

const (
	ClassificationBuy  Classification = "BUY"
	ClassificationHold Classification = "HOLD"
	ClassificationSell Classification = "SELL"
)

// Parameters is the opaque strategy configuration attached to a job. It is
// passed to the evaluator verbatim and never interpreted by the queue.
type Parameters map[string]any

// Clone deep-copies nested maps and slices so the copy shares no mutable state.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Parameters:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Evaluation is what a strategy evaluator returns for one instrument.
type Evaluation struct {
	Classification Classification `json:"classification"`
	MarginOfSafety float64        `json:"margin_of_safety"`
	Score          float64        `json:"score"`
	Details        map[string]any `json:"details,omitempty"`
}

// InstrumentResult is one row of a job's results payload. Exactly one of
// Error or the evaluation fields is meaningful.
type InstrumentResult struct {
	Instrument     string         `json:"instrument"`
	Classification Classification `json:"classification,omitempty"`
	MarginOfSafety float64        `json:"margin_of_safety"`
	Score          float64        `json:"score"`
	Details        map[string]any `json:"details,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Failed reports whether the evaluator returned an error for this instrument.
func (r InstrumentResult) Failed() bool { return r.Error != "" }

// ResultSummary aggregates a completed job's results. Averages cover only
// instruments that evaluated successfully.
type ResultSummary struct {
	Total             int     `json:"total"`
	Evaluated         int     `json:"evaluated"`
	Errors            int     `json:"errors"`
	BuyCount          int     `json:"buy_count"`
	HoldCount         int     `json:"hold_count"`
	SellCount         int     `json:"sell_count"`
	AvgMarginOfSafety float64 `json:"avg_margin_of_safety"`
	AvgScore          float64 `json:"avg_score"`
}

// Summarize computes the ResultSummary for results.
func Summarize(results []InstrumentResult) ResultSummary {
	s := ResultSummary{Total: len(results)}

	var mosSum, scoreSum float64
	for _, r := range results {
		if r.Failed() {
			s.Errors++
			continue
		}
		s.Evaluated++
		mosSum += r.MarginOfSafety
		scoreSum += r.Score

		switch r.Classification {
		case ClassificationBuy:
			s.BuyCount++
		case ClassificationHold:
			s.HoldCount++
		case ClassificationSell:
			s.SellCount++
		}
	}

	if s.Evaluated > 0 {
		s.AvgMarginOfSafety = mosSum / float64(s.Evaluated)
		s.AvgScore = scoreSum / float64(s.Evaluated)
	}
	return s
}
