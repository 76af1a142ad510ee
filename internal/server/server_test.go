package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaline/quotaline/internal/config"
	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/cache"
	"github.com/quotaline/quotaline/internal/core/engine"
	"github.com/quotaline/quotaline/internal/core/quota"
	"github.com/quotaline/quotaline/internal/core/store"
	apperrors "github.com/quotaline/quotaline/internal/errors"
)

type echoFetcher struct{}

func (echoFetcher) Fetch(_ context.Context, req core.Request) (json.RawMessage, error) {
	return json.RawMessage(`{"path":"` + req.Path() + `"}`), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	kv := store.NewMemoryKV()
	dispatcher := &engine.Dispatcher{
		Cache:     cache.New(kv, time.Hour),
		Quota:     quota.NewTracker(kv, 50),
		Points:    quota.NewPointsTracker(kv, 0, nil, 1),
		Scheduler: engine.NewScheduler(engine.NewWindowLimiter(100, time.Second), engine.NewSpacingGate(0)),
		Breaker:   engine.NewCircuitBreaker(5, time.Minute),
		Backend:   echoFetcher{},
		BaseURL:   "https://api.example.com",
	}
	return New(config.ServerConfig{Host: "127.0.0.1"}, Deps{Dispatcher: dispatcher, Store: kv, Version: "1.0.0"})
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1"}, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
	if body.Error.RequestID == "" {
		t.Fatal("expected request id in error response")
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/requests", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerRoutesRequestsAndHealth(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(`{"endpoint":"/random","caller_id":"alice"}`))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp core.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.JSONEq(t, `{"path":"/random"}`, string(resp.Payload))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.0.0", health.Version)
	assert.Equal(t, map[string]string{"store": "healthy", "breaker": "healthy"}, health.Checks)
}

func TestServerServeAndShutdown(t *testing.T) {
	srv := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-done)
}
