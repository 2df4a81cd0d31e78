package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"traffic-prism/internal/dispatch"
	"traffic-prism/internal/intake"
	"traffic-prism/internal/ledger"
	"traffic-prism/internal/models"
	"traffic-prism/internal/registry"
	"traffic-prism/internal/repository/clickhouse"
	"traffic-prism/internal/repository/memory"
	"traffic-prism/internal/risk"
	"traffic-prism/internal/verdict"
)

type nullTransport struct{}

func (nullTransport) Publish(string, models.Command) int { return 0 }

type auditLog struct {
	mu      sync.Mutex
	records []models.EnforcementRecord
}

func (a *auditLog) Record(_ context.Context, rec models.EnforcementRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *auditLog) Recent(_ context.Context, hostname string, limit int) ([]models.EnforcementRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.EnforcementRecord
	for i := len(a.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if a.records[i].Hostname == hostname {
			out = append(out, a.records[i])
		}
	}
	return out, nil
}

func newTestRouter(t *testing.T, health map[string]HealthCheck) http.Handler {
	t.Helper()
	logger := zap.NewNop()
	log := memory.NewEventStore()
	reg := registry.NewMemory(4, time.Hour)
	audit := &auditLog{}
	d := dispatch.New(reg, nullTransport{}, logger, dispatch.WithLocator(log), dispatch.WithAudit(audit))
	rules := ledger.NewService(ledger.NewMemoryStore(), logger)

	h := New(Deps{
		Intake:   intake.NewService(log, d, logger),
		Risk:     risk.NewService(log, logger),
		Sessions: d,
		Rules:    rules,
		Verdicts: verdict.NewProcessor(rules, log, verdict.DefaultThreshold, logger),
		Operators: clickhouse.NewMemoryDirectory(
			models.Operator{Username: "alice", Hostname: "shop.example"},
			models.Operator{Username: "mallory", Hostname: "other.example"},
		),
		Audit:  audit,
		Health: health,
	}, logger)
	return NewRouter(h, RouterOptions{}, logger)
}

func do(t *testing.T, router http.Handler, method, path, operator string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if operator != "" {
		req.Header.Set(OperatorHeader, operator)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp Response
	if w.Header().Get("Content-Type") == "application/json" {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func track(t *testing.T, router http.Handler, sessionID, url string) {
	t.Helper()
	w, _ := do(t, router, http.MethodPost, "/track", "", map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"url":       url,
		"hostname":  "shop.example",
		"sessionId": sessionID,
		"ipAddress": "203.0.113.1",
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	})
	w, resp := do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	router = newTestRouter(t, map[string]HealthCheck{
		"clickhouse": func(context.Context) error { return errors.New("down") },
	})
	w, resp = do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, resp.Success)
}

func TestOperatorRequired(t *testing.T) {
	router := newTestRouter(t, nil)

	w, resp := do(t, router, http.MethodGet, "/api/v1/rules", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrTenantRequired.Error(), resp.Error)

	w, _ = do(t, router, http.MethodGet, "/api/v1/rules", "nobody", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuleLifecycle(t *testing.T) {
	router := newTestRouter(t, nil)

	w, resp := do(t, router, http.MethodPost, "/api/v1/rules", "alice", map[string]interface{}{
		"name": "admin scan", "rule": "contains(url, '/wp-admin')", "action": "terminate",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(0), created["id"])
	assert.Equal(t, "shop.example", created["hostname"])

	w, resp = do(t, router, http.MethodPut, "/api/v1/rules/0", "alice", map[string]interface{}{"name": "renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), resp.Data.(map[string]interface{})["version"])

	w, resp = do(t, router, http.MethodGet, "/api/v1/rules", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, resp.Meta.Total)

	w, resp = do(t, router, http.MethodGet, "/api/v1/rules/0/history", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, resp.Meta.Total)

	w, _ = do(t, router, http.MethodGet, "/api/v1/rules/0", "mallory", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = do(t, router, http.MethodDelete, "/api/v1/rules/0", "mallory", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, router, http.MethodDelete, "/api/v1/rules/0", "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, router, http.MethodGet, "/api/v1/rules/0", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, router, http.MethodGet, "/api/v1/rules/abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, router, http.MethodPost, "/api/v1/rules", "alice", map[string]interface{}{"name": "no condition"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionCommands(t *testing.T) {
	router := newTestRouter(t, nil)
	track(t, router, "S", "/")

	w, resp := do(t, router, http.MethodGet, "/api/v1/sessions/active", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, resp.Meta.Total)

	w, _ = do(t, router, http.MethodPost, "/api/v1/sessions/S/captcha", "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, router, http.MethodPost, "/api/v1/sessions/S/terminate", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp = do(t, router, http.MethodPost, "/api/v1/sessions/S/terminate", "alice",
		map[string]string{"redirect_url": "https://example.org"})
	require.Equal(t, http.StatusOK, w.Code)
	result := resp.Data.(map[string]interface{})
	assert.Equal(t, "https://example.org", result["redirect_url"])
	assert.Equal(t, float64(0), result["delivered"])

	w, _ = do(t, router, http.MethodPost, "/api/v1/sessions/S/terminate", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = do(t, router, http.MethodGet, "/api/v1/enforcements?limit=10", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, resp.Meta.Total)
	newest := resp.Data.([]interface{})[0].(map[string]interface{})
	assert.Equal(t, string(models.CommandSessionTerminated), newest["kind"])

	w, resp = do(t, router, http.MethodGet, "/api/v1/enforcements", "mallory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, resp.Meta.Total)

	w, _ = do(t, router, http.MethodGet, "/api/v1/enforcements?limit=x", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryRiskAndJourney(t *testing.T) {
	router := newTestRouter(t, nil)
	track(t, router, "S", "/login")
	track(t, router, "S", "/?q=<script>")

	w, resp := do(t, router, http.MethodGet, "/api/v1/risk", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, resp.Meta.Total)
	first := resp.Data.([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "S", first["session_id"])

	w, resp = do(t, router, http.MethodGet, "/api/v1/risk", "mallory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, resp.Meta.Total)

	w, _ = do(t, router, http.MethodGet, "/api/v1/risk?start=yesterday", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, router, http.MethodGet, "/api/v1/risk?start=2025-03-02&end=2025-03-01", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = do(t, router, http.MethodGet, "/api/v1/sessions/S/journey", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, resp.Meta.Total)
}

type countingLimiter struct {
	mu    sync.Mutex
	limit int
	seen  map[string]int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return true, l.err
	}
	l.seen[key]++
	return l.seen[key] <= l.limit, nil
}

func limitedRouter(limiter RateLimiter) http.Handler {
	logger := zap.NewNop()
	log := memory.NewEventStore()
	d := dispatch.New(registry.NewMemory(4, time.Hour), nullTransport{}, logger)
	h := New(Deps{
		Intake:  intake.NewService(log, d, logger),
		Limiter: limiter,
	}, logger)
	return NewRouter(h, RouterOptions{}, logger)
}

func TestTrack_RateLimited(t *testing.T) {
	router := limitedRouter(&countingLimiter{limit: 2, seen: map[string]int{}})

	for i := 0; i < 2; i++ {
		track(t, router, "S", "/")
	}
	w, _ := do(t, router, http.MethodPost, "/track", "", map[string]interface{}{
		"url": "/", "hostname": "shop.example", "sessionId": "S",
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestTrack_LimiterFailureAdmits(t *testing.T) {
	router := limitedRouter(&countingLimiter{err: errors.New("redis down")})
	track(t, router, "S", "/")
}

func TestTrack_Invalid(t *testing.T) {
	router := newTestRouter(t, nil)

	w, _ := do(t, router, http.MethodPost, "/track", "", map[string]string{"url": "/"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/track", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitVerdict(t *testing.T) {
	router := newTestRouter(t, nil)

	w, resp := do(t, router, http.MethodPost, "/api/v1/verdicts", "", models.Verdict{
		Artifact: "https://evil.example/x", Type: models.ArtifactURL, Confidence: 0.95, Hostname: "shop.example",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "verdict", resp.Data.(map[string]interface{})["source"])

	w, _ = do(t, router, http.MethodPost, "/api/v1/verdicts", "", models.Verdict{
		Artifact: "https://evil.example/x", Type: models.ArtifactURL, Confidence: 0.5, Hostname: "shop.example",
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, _ = do(t, router, http.MethodPost, "/api/v1/verdicts", "", models.Verdict{
		Artifact: "https://evil.example/x", Type: models.ArtifactURL, Confidence: 0.95,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, resp = do(t, router, http.MethodGet, "/api/v1/rules", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, resp.Meta.Total)
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "traffic_prism_")
}

func TestNotFound(t *testing.T) {
	router := newTestRouter(t, nil)
	w, _ := do(t, router, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
