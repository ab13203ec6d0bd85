package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/screener/internal/api"
	"github.com/kiranshivaraju/screener/internal/api/handler"
	mw "github.com/kiranshivaraju/screener/internal/api/middleware"
	"github.com/kiranshivaraju/screener/internal/service"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	aliceKey = "sk_alice_contract_key_1234567890"
	bobKey   = "sk_bob___contract_key_1234567890"
)

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	mu       sync.Mutex
	data     map[string][]byte
	counters map[string]int64
	pingErr  error
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string][]byte), counters: make(map[string]int64)}
}

func (c *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mockCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mockCache) Ping(_ context.Context) error { return c.pingErr }

func (c *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

// ─── test server ─────────────────────────────────────────────────────────────

type testServer struct {
	server *httptest.Server
	store  *store.MemoryStore
	cache  *mockCache
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addKey(t *testing.T, s store.Store, rawKey, userID string) {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.CreateAPIKey(context.Background(), &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      userID + "-key",
		KeyHash:   string(h),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    []string{"jobs"},
		CreatedAt: time.Now().UTC(),
	}))
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()
	ms := store.NewMemoryStore()
	mc := newMockCache()
	addKey(t, ms, aliceKey, "alice")
	addKey(t, ms, bobKey, "bob")

	logger := discardLogger()
	svc := service.New(ms, logger, service.WithResultCache(mc, time.Minute))

	router := api.NewRouter(api.Dependencies{
		Logger:        logger,
		Auth:          mw.NewAuth(ms, logger),
		RateLimit:     mw.NewRateLimit(mc, rateLimit, logger),
		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{"database": ms, "cache": mc}),
		Jobs:          handler.NewJobs(svc, logger),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: ms, cache: mc}
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return parseBody(t, resp)["error"].(map[string]any)["code"].(string)
}

func validSubmission() map[string]any {
	return map[string]any{
		"strategy_id":   "graham",
		"strategy_name": "Graham Number",
		"universe_key":  "sp500",
		"universe_name": "S&P 500",
		"parameters":    map[string]any{"min_margin": 20},
	}
}

func (ts *testServer) submit(t *testing.T, key string) uuid.UUID {
	t.Helper()
	resp := ts.do(t, "POST", "/api/v1/screening/jobs", key, validSubmission())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	id, err := uuid.Parse(data["id"].(string))
	require.NoError(t, err)
	return id
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTRACT TESTS
// ═══════════════════════════════════════════════════════════════════════════════

// ─── GET /api/v1/health ──────────────────────────────────────────────────────

func TestHealth_200_AllOK(t *testing.T) {
	ts := newTestServer(t, 60)

	resp := ts.do(t, "GET", "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestHealth_503_CacheDown(t *testing.T) {
	ts := newTestServer(t, 60)
	ts.cache.pingErr = errors.New("connection refused")

	resp := ts.do(t, "GET", "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", body["code"])
	assert.Equal(t, "degraded", body["details"].(map[string]any)["cache"])
}

// ─── POST /api/v1/screening/jobs ─────────────────────────────────────────────

func TestSubmit_202_Pending(t *testing.T) {
	ts := newTestServer(t, 60)

	resp := ts.do(t, "POST", "/api/v1/screening/jobs", aliceKey, validSubmission())
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
	id, err := uuid.Parse(data["id"].(string))
	require.NoError(t, err)

	job, err := ts.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", job.UserID)
	assert.EqualValues(t, 20, job.Parameters["min_margin"])
}

func TestSubmit_400_MissingFields(t *testing.T) {
	ts := newTestServer(t, 60)
	body := validSubmission()
	delete(body, "strategy_id")
	delete(body, "universe_key")

	resp := ts.do(t, "POST", "/api/v1/screening/jobs", aliceKey, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	errBody := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errBody["code"])
	details := errBody["details"].(map[string]any)
	assert.Contains(t, details, "strategy_id")
	assert.Contains(t, details, "universe_key")
}

func TestSubmit_400_ParametersNotObject(t *testing.T) {
	ts := newTestServer(t, 60)
	body := validSubmission()
	body["parameters"] = []int{1, 2, 3}

	resp := ts.do(t, "POST", "/api/v1/screening/jobs", aliceKey, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))
}

func TestSubmit_400_InvalidJSON(t *testing.T) {
	ts := newTestServer(t, 60)

	req, err := http.NewRequest("POST", ts.server.URL+"/api/v1/screening/jobs", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+aliceKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
}

// ─── GET /api/v1/screening/jobs/{jobID} ──────────────────────────────────────

func TestGetJob_200_Summary(t *testing.T) {
	ts := newTestServer(t, 60)
	id := ts.submit(t, aliceKey)

	resp := ts.do(t, "GET", "/api/v1/screening/jobs/"+id.String(), aliceKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, id.String(), data["id"])
	assert.Equal(t, "pending", data["status"])
	assert.EqualValues(t, 0, data["progress"])
	assert.NotContains(t, data, "results")
}

func TestGetJob_404_OtherUser(t *testing.T) {
	ts := newTestServer(t, 60)
	id := ts.submit(t, aliceKey)

	resp := ts.do(t, "GET", "/api/v1/screening/jobs/"+id.String(), bobKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errorCode(t, resp))
}

func TestGetJob_400_InvalidID(t *testing.T) {
	ts := newTestServer(t, 60)

	resp := ts.do(t, "GET", "/api/v1/screening/jobs/not-a-uuid", aliceKey, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_JOB_ID", errorCode(t, resp))
}

// ─── GET /api/v1/screening/jobs ──────────────────────────────────────────────

func TestListJobs_200_ScopedToUser(t *testing.T) {
	ts := newTestServer(t, 60)
	ts.submit(t, aliceKey)
	ts.submit(t, aliceKey)
	ts.submit(t, bobKey)

	resp := ts.do(t, "GET", "/api/v1/screening/jobs", aliceKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].([]any)
	assert.Len(t, data, 2)
	for _, item := range data {
		assert.Equal(t, "alice", item.(map[string]any)["user_id"])
	}
}

func TestListJobs_FilterByStatus(t *testing.T) {
	ts := newTestServer(t, 60)
	id := ts.submit(t, aliceKey)
	ts.submit(t, aliceKey)
	resp := ts.do(t, "POST", "/api/v1/screening/jobs/"+id.String()+"/cancel", aliceKey, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/screening/jobs?status=cancelled", aliceKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, id.String(), data[0].(map[string]any)["id"])
}

func TestListJobs_400_UnknownStatus(t *testing.T) {
	ts := newTestServer(t, 60)

	resp := ts.do(t, "GET", "/api/v1/screening/jobs?status=paused", aliceKey, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_STATUS", errorCode(t, resp))
}

// ─── GET /api/v1/screening/jobs/{jobID}/result ───────────────────────────────

func TestResult_409_NotReady(t *testing.T) {
	ts := newTestServer(t, 60)
	id := ts.submit(t, aliceKey)

	resp := ts.do(t, "GET", "/api/v1/screening/jobs/"+id.String()+"/result", aliceKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_READY", errorCode(t, resp))
}

func TestResult_200_Completed(t *testing.T) {
	ts := newTestServer(t, 60)
	id := ts.submit(t, aliceKey)

	ctx := context.Background()
	_, err := ts.store.ClaimJob(ctx, id, store.ClaimLimits{})
	require.NoError(t, err)
	results := []models.InstrumentResult{
		{Instrument: "AAPL", Classification: models.ClassificationBuy, MarginOfSafety: 35, Score: 72},
		{Instrument: "MSFT", Error: "no fundamentals"},
	}
	_, err = ts.store.UpdateJob(ctx, id, store.NewJobUpdate(
		store.WithStatus(models.JobStatusCompleted),
		store.WithResults(results, models.Summarize(results)),
	))
	require.NoError(t, err)

	resp := ts.do(t, "GET", "/api/v1/screening/jobs/"+id.String()+"/result", aliceKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.Len(t, data["results"].([]any), 2)
	summary := data["result_summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["buy_count"])
	assert.EqualValues(t, 1, summary["errors"])
}

// ─── POST /api/v1/screening/jobs/{jobID}/cancel ──────────────────────────────

func TestCancel_202_Pending(t *testing.T) {
	ts := newTestServer(t, 60)
	id := ts.submit(t, aliceKey)

	resp := ts.do(t, "POST", "/api/v1/screening/jobs/"+id.String()+"/cancel", aliceKey, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "cancelled", data["status"])
}

func TestCancel_409_AlreadyFinished(t *testing.T) {
	ts := newTestServer(t, 60)
	id := ts.submit(t, aliceKey)
	ts.do(t, "POST", "/api/v1/screening/jobs/"+id.String()+"/cancel", aliceKey, nil)

	resp := ts.do(t, "POST", "/api/v1/screening/jobs/"+id.String()+"/cancel", aliceKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_CANCELLABLE", errorCode(t, resp))
}

// ─── DELETE /api/v1/screening/jobs/{jobID} ───────────────────────────────────

func TestDelete_204_Finished(t *testing.T) {
	ts := newTestServer(t, 60)
	id := ts.submit(t, aliceKey)
	ts.do(t, "POST", "/api/v1/screening/jobs/"+id.String()+"/cancel", aliceKey, nil)

	resp := ts.do(t, "DELETE", "/api/v1/screening/jobs/"+id.String(), aliceKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/screening/jobs/"+id.String(), aliceKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDelete_409_Unfinished(t *testing.T) {
	ts := newTestServer(t, 60)
	id := ts.submit(t, aliceKey)

	resp := ts.do(t, "DELETE", "/api/v1/screening/jobs/"+id.String(), aliceKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_READY", errorCode(t, resp))
}

// ─── auth & rate limiting ────────────────────────────────────────────────────

func TestAuth_AllProtectedEndpoints_Reject401(t *testing.T) {
	ts := newTestServer(t, 60)
	id := uuid.New().String()

	endpoints := []struct{ method, path string }{
		{"POST", "/api/v1/screening/jobs"},
		{"GET", "/api/v1/screening/jobs"},
		{"GET", "/api/v1/screening/jobs/" + id},
		{"GET", "/api/v1/screening/jobs/" + id + "/result"},
		{"POST", "/api/v1/screening/jobs/" + id + "/cancel"},
		{"DELETE", "/api/v1/screening/jobs/" + id},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			resp := ts.do(t, ep.method, ep.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "INVALID_TOKEN", errorCode(t, resp))
		})
	}
}

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServer(t, 3)

	for i := 0; i < 3; i++ {
		resp := ts.do(t, "GET", "/api/v1/screening/jobs", aliceKey, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	}

	resp := ts.do(t, "GET", "/api/v1/screening/jobs", aliceKey, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, resp))

	// Budgets are per key.
	resp = ts.do(t, "GET", "/api/v1/screening/jobs", bobKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResponseFormat_SuccessEnvelope(t *testing.T) {
	ts := newTestServer(t, 60)

	resp := ts.do(t, "GET", "/api/v1/screening/jobs", aliceKey, nil)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body := parseBody(t, resp)
	assert.Contains(t, body, "data")
	assert.NotContains(t, body, "error")
}

func TestListJobs_MetaDescribesFilter(t *testing.T) {
	ts := newTestServer(t, 60)

	resp := ts.do(t, "GET", "/api/v1/screening/jobs?status=pending&limit=5", aliceKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Equal(t, []any{}, body["data"])
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(0), meta["count"])
	assert.Equal(t, float64(5), meta["limit"])
	assert.Equal(t, "pending", meta["status"])
}

func TestListJobs_MetaReportsAppliedLimit(t *testing.T) {
	ts := newTestServer(t, 60)

	for query, want := range map[string]float64{
		"":           50,
		"?limit=500": 200,
		"?limit=7":   7,
	} {
		resp := ts.do(t, "GET", "/api/v1/screening/jobs"+query, aliceKey, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		meta := parseBody(t, resp)["meta"].(map[string]any)
		assert.Equal(t, want, meta["limit"], query)
	}
}
