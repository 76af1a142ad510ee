package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaline/quotaline/internal/observability"
)

func setupCollector(t *testing.T) *observability.Collector {
	t.Helper()

	collector := observability.NewCollector(prometheus.NewRegistry(), "test")
	original := observability.MetricsCollector
	observability.MetricsCollector = collector
	t.Cleanup(func() {
		observability.MetricsCollector = original
	})
	return collector
}

func TestRequestMetrics_RecordsRoutePattern(t *testing.T) {
	collector := setupCollector(t)

	r := chi.NewRouter()
	r.Use(RequestMetrics)
	r.Get("/v1/quota/{caller}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, caller := range []string{"alice", "bob"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/quota/"+caller, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	count, err := testutil.GatherAndCount(collector.Registry(), "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "path parameters must not create new series")
}

func TestRequestMetrics_WithMetricsDisabled(t *testing.T) {
	original := observability.MetricsCollector
	observability.MetricsCollector = nil
	t.Cleanup(func() { observability.MetricsCollector = original })

	handler := RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRequestMetrics_CapturesStatus(t *testing.T) {
	collector := setupCollector(t)

	handler := RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	expected := `
# HELP test_http_requests_total HTTP requests served
# TYPE test_http_requests_total counter
test_http_requests_total{endpoint="/unknown",method="GET",status="500"} 1
`
	require.NoError(t, testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected), "test_http_requests_total"))
}

func TestGetEndpointPattern_StandardPaths(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/health", "/health/*"},
		{"/health/live", "/health/*"},
		{"/health/ready", "/health/*"},
		{"/version", "/version"},
		{"/metrics", "/metrics"},
		{"/v1/requests", "/unknown"},
		{"/", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			assert.Equal(t, tt.expected, getEndpointPattern(req))
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, "given-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "given-id", seen)
	assert.Equal(t, "given-id", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestRecovery(t *testing.T) {
	collector := setupCollector(t)

	handler := RequestID(Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	assert.NotContains(t, rec.Body.String(), "stack_trace")

	count, err := testutil.GatherAndCount(collector.Registry(), "test_panics_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRequestIDRejectsControlCharacters(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, "bad\x01id")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, 36)

	req = httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("a", 300))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, maxRequestIDLength)
}
