package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/cache"
	"github.com/quotaline/quotaline/internal/core/engine"
	"github.com/quotaline/quotaline/internal/core/quota"
	"github.com/quotaline/quotaline/internal/core/store"
)

type stubFetcher struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, req core.Request) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"endpoint":"` + req.Endpoint + `"}`), nil
}

func newTestAPI(t *testing.T, dailyLimit, breakerThreshold int, fetcher *stubFetcher) (*API, http.Handler) {
	t.Helper()

	kv := store.NewMemoryKV()
	dispatcher := &engine.Dispatcher{
		Cache:       cache.New(kv, time.Hour),
		Quota:       quota.NewTracker(kv, dailyLimit),
		Points:      quota.NewPointsTracker(kv, 0, nil, 1),
		Scheduler:   engine.NewScheduler(engine.NewWindowLimiter(1000, time.Second), engine.NewSpacingGate(0)),
		Breaker:     engine.NewCircuitBreaker(breakerThreshold, time.Minute),
		Backend:     fetcher,
		BaseURL:     "https://api.example.com/recipes",
		RetryDelays: []time.Duration{time.Millisecond},
	}
	api := &API{Dispatcher: dispatcher}

	router := chi.NewRouter()
	router.Route("/v1", api.Mount)
	return api, router
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestSubmitRequestServesFromBackendThenCache(t *testing.T) {
	fetcher := &stubFetcher{}
	_, router := newTestAPI(t, 10, 5, fetcher)

	body := `{"endpoint":"/random","params":[{"key":"number","value":"1"}],"caller_id":"alice","priority":"high"}`

	rec := do(t, router, http.MethodPost, "/v1/requests", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[core.Response](t, rec)
	assert.False(t, first.FromCache)
	assert.Equal(t, "backend", first.Provenance.Source)
	assert.JSONEq(t, `{"endpoint":"/random"}`, string(first.Payload))

	rec = do(t, router, http.MethodPost, "/v1/requests", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[core.Response](t, rec)
	assert.True(t, second.FromCache)
	assert.Equal(t, "cache", second.Provenance.Source)
	assert.Equal(t, 1, fetcher.calls)

	rec = do(t, router, http.MethodGet, "/v1/quota/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[engine.QuotaReport](t, rec)
	assert.Equal(t, 1, report.Caller.Used)
	assert.Equal(t, 10, report.Caller.Limit)
	assert.Nil(t, report.Backend)
}

func TestSubmitRequestUsesCallerHeader(t *testing.T) {
	_, router := newTestAPI(t, 10, 5, &stubFetcher{})

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(`{"endpoint":"random"}`))
	req.Header.Set("X-Caller-ID", "bob")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	report := decode[engine.QuotaReport](t, do(t, router, http.MethodGet, "/v1/quota/bob", ""))
	assert.Equal(t, 1, report.Caller.Used)
}

func TestSubmitRequestValidation(t *testing.T) {
	_, router := newTestAPI(t, 10, 5, &stubFetcher{})

	tests := []struct {
		name string
		body string
	}{
		{"missing endpoint", `{"caller_id":"alice"}`},
		{"unknown field", `{"endpoint":"/random","bogus":true}`},
		{"bad priority", `{"endpoint":"/random","priority":"urgent"}`},
		{"malformed", `{"endpoint":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/v1/requests", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_INPUT", decode[errorBody](t, rec).Error.Code)
		})
	}
}

func TestSubmitRequestQuotaExceeded(t *testing.T) {
	_, router := newTestAPI(t, 1, 5, &stubFetcher{})

	rec := do(t, router, http.MethodPost, "/v1/requests", `{"endpoint":"/a","caller_id":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/v1/requests", `{"endpoint":"/b","caller_id":"alice"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "QUOTA_EXCEEDED", body.Error.Code)
	assert.Equal(t, "alice", body.Error.Details["caller_id"])

	rec = do(t, router, http.MethodGet, "/v1/quota/alice?check=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	check := decode[QuotaCheckResponse](t, rec)
	assert.False(t, check.Allowed)
	assert.NotEmpty(t, check.Reason)
	assert.Equal(t, 0, check.Quota.Caller.Remaining)
}

func TestSubmitRequestCircuitOpen(t *testing.T) {
	fetcher := &stubFetcher{err: &core.DispatchError{Kind: core.KindBackend, StatusCode: 500, Endpoint: "/random"}}
	_, router := newTestAPI(t, 10, 1, fetcher)

	rec := do(t, router, http.MethodPost, "/v1/requests", `{"endpoint":"/random"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "BACKEND_ERROR", decode[errorBody](t, rec).Error.Code)

	rec = do(t, router, http.MethodPost, "/v1/requests", `{"endpoint":"/random"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "CIRCUIT_OPEN", decode[errorBody](t, rec).Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, fetcher.calls)

	rec = do(t, router, http.MethodGet, "/v1/breaker", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Breaker engine.BreakerSnapshot `json:"breaker"`
		Limit   int                    `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "open", status.Breaker.State)
	assert.Equal(t, 1000, status.Limit)
}

func TestTrackQuotaAndCleanup(t *testing.T) {
	_, router := newTestAPI(t, 3, 5, &stubFetcher{})

	rec := do(t, router, http.MethodPost, "/v1/quota/carol/track", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[engine.QuotaReport](t, rec)
	assert.Equal(t, 1, report.Caller.Used)
	assert.Equal(t, 2, report.Caller.Remaining)

	rec = do(t, router, http.MethodGet, "/v1/quota/carol?endpoint=/random", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[QuotaCheckResponse](t, rec).Allowed)

	rec = do(t, router, http.MethodPost, "/v1/cache/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[cache.CleanupResult](t, rec)
	assert.Zero(t, result.Removed)
}
