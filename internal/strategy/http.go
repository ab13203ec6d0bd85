package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/screener/pkg/models"
	"golang.org/x/time/rate"
)

// HTTPEvaluator implements models.StrategyEvaluator against a remote
// strategy service:
//
//	POST {base}/v1/strategies/{strategy_id}/evaluate
//	{"instrument": "AAPL", "parameters": {...}}
//
// Calls are throttled by a token bucket shared by every worker in the process.
type HTTPEvaluator struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPEvaluator creates an evaluator allowing ratePerSecond sustained calls
// with the given burst.
func NewHTTPEvaluator(baseURL, apiKey string, timeout time.Duration, ratePerSecond float64, burst int) *HTTPEvaluator {
	if burst <= 0 {
		burst = 1
	}
	return &HTTPEvaluator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func (e *HTTPEvaluator) Name() string { return "http" }

type evaluateRequest struct {
	Instrument string            `json:"instrument"`
	Parameters models.Parameters `json:"parameters"`
}

type evaluateResponse struct {
	Classification models.Classification `json:"classification"`
	MarginOfSafety float64               `json:"margin_of_safety"`
	Score          float64               `json:"score"`
	Details        map[string]any        `json:"details"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (e *HTTPEvaluator) Evaluate(ctx context.Context, strategyID string, params models.Parameters, instrument string) (models.Evaluation, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return models.Evaluation{}, err
		}
		return models.Evaluation{}, fmt.Errorf("%w: waiting for rate limiter: %v", ErrEvaluatorTimeout, err)
	}

	body, err := json.Marshal(evaluateRequest{Instrument: instrument, Parameters: params})
	if err != nil {
		return models.Evaluation{}, fmt.Errorf("encoding request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/strategies/%s/evaluate", e.baseURL, url.PathEscape(strategyID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return models.Evaluation{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return models.Evaluation{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Evaluation{}, statusError(resp)
	}

	var out evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Evaluation{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	return models.Evaluation{
		Classification: out.Classification,
		MarginOfSafety: out.MarginOfSafety,
		Score:          out.Score,
		Details:        out.Details,
	}, nil
}

// statusError maps a non-200 response. Request-shape and authorisation
// failures would repeat for every instrument, so they are fatal for the job.
func statusError(resp *http.Response) error {
	msg := readErrorMessage(resp.Body)
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: %w: status %d: %s", models.ErrEvaluatorFatal, ErrEvaluationFailed, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrEvaluationFailed, resp.StatusCode, msg)
	}
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no detail"
	}
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(data))
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrEvaluatorTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrEvaluatorTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrEvaluatorUnreachable, err)
}

var _ models.StrategyEvaluator = (*HTTPEvaluator)(nil)
