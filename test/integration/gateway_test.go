package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaline/quotaline/internal/config"
	"github.com/quotaline/quotaline/internal/core/backend"
	"github.com/quotaline/quotaline/internal/core/cache"
	"github.com/quotaline/quotaline/internal/core/engine"
	"github.com/quotaline/quotaline/internal/core/quota"
	"github.com/quotaline/quotaline/internal/core/store"
	"github.com/quotaline/quotaline/internal/observability"
	"github.com/quotaline/quotaline/internal/server"
)

// isPermissionError normalizes OS-specific permission errors (macOS/Linux/BSD)
// so we can gracefully skip when loopback sockets are blocked.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

func listenOrSkip(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping: loopback listen not permitted: %v", err)
		}
		require.NoError(t, err)
	}
	return listener
}

// upstream fakes the metered backend. Paths under /fail return 500.
type upstream struct {
	calls atomic.Int64
	url   string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	ts := &httptest.Server{
		Listener: listenOrSkip(t),
		Config: &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u.calls.Add(1)
			if r.URL.Query().Get("apiKey") != "test-key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if strings.HasPrefix(r.URL.Path, "/fail") {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"path":%q,"query":%q}`, r.URL.Path, r.URL.Query().Get("query"))
		})},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	u.url = ts.URL
	return u
}

type gateway struct {
	url       string
	client    *http.Client
	collector *observability.Collector
}

func newGateway(t *testing.T, upstreamURL string, dailyLimit, breakerThreshold int) *gateway {
	t.Helper()

	observability.InitServerLogger("quotaline-test", "error", "simple")
	collector := observability.NewCollector(prometheus.NewRegistry(), "test")
	original := observability.MetricsCollector
	observability.MetricsCollector = collector
	t.Cleanup(func() { observability.MetricsCollector = original })

	kv := store.NewMemoryKV()
	breaker := engine.NewCircuitBreaker(breakerThreshold, time.Minute)
	breaker.OnStateChange = func(_, to engine.BreakerState) { collector.SetBreakerState(to.String()) }
	scheduler := engine.NewScheduler(engine.NewWindowLimiter(100, time.Second), engine.NewSpacingGate(0))
	scheduler.OnDepth = collector.SetQueueDepth

	dispatcher := &engine.Dispatcher{
		Cache:     cache.New(kv, time.Hour),
		Quota:     quota.NewTracker(kv, dailyLimit),
		Points:    quota.NewPointsTracker(kv, 0, nil, 1),
		Scheduler: scheduler,
		Breaker:   breaker,
		Backend: &backend.Client{
			BaseURL:        upstreamURL,
			APIKey:         "test-key",
			HTTPClient:     &http.Client{Timeout: 5 * time.Second},
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
		},
		BaseURL:     upstreamURL,
		RetryDelays: []time.Duration{time.Millisecond},
		Recorder:    collector,
	}

	srv := server.New(config.ServerConfig{Host: "127.0.0.1"}, server.Deps{
		Dispatcher: dispatcher,
		Store:      kv,
		Metrics:    collector,
		Version:    "test",
	})
	listener := listenOrSkip(t)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(listener) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.NoError(t, <-done)
	})

	return &gateway{
		url:       "http://" + listener.Addr().String(),
		client:    &http.Client{Timeout: 5 * time.Second},
		collector: collector,
	}
}

func (g *gateway) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := g.client.Post(g.url+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return readJSON(t, resp)
}

func (g *gateway) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := g.client.Get(g.url + path)
	require.NoError(t, err)
	return readJSON(t, resp)
}

func readJSON(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close() // nolint:errcheck // test cleanup
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestGatewayCachesAndEnforcesQuota(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, up.url, 2, 5)

	search := map[string]any{
		"endpoint":  "/complexSearch",
		"params":    []map[string]string{{"key": "query", "value": "pasta"}},
		"caller_id": "alice",
	}

	status, body := gw.post(t, "/v1/requests", search)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["from_cache"])
	assert.Equal(t, map[string]any{"path": "/complexSearch", "query": "pasta"}, body["payload"])

	status, body = gw.post(t, "/v1/requests", search)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["from_cache"])
	assert.EqualValues(t, 1, up.calls.Load())

	status, _ = gw.post(t, "/v1/requests", map[string]any{"endpoint": "/random", "caller_id": "alice"})
	require.Equal(t, http.StatusOK, status)

	status, body = gw.post(t, "/v1/requests", map[string]any{"endpoint": "/information", "caller_id": "alice"})
	require.Equal(t, http.StatusTooManyRequests, status)
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "QUOTA_EXCEEDED", errBody["code"])
	assert.NotEmpty(t, errBody["request_id"])
	assert.EqualValues(t, 2, up.calls.Load())

	// Cached responses stay available after the quota is spent.
	status, body = gw.post(t, "/v1/requests", search)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["from_cache"])

	status, body = gw.get(t, "/v1/quota/alice")
	require.Equal(t, http.StatusOK, status)
	caller, ok := body["caller"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, caller["used"])
	assert.EqualValues(t, 0, caller["remaining"])

	status, body = gw.get(t, "/v1/quota/bob")
	require.Equal(t, http.StatusOK, status)
	caller = body["caller"].(map[string]any)
	assert.EqualValues(t, 0, caller["used"])
}

func TestGatewayOpensCircuitAndReportsDegraded(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, up.url, 100, 2)

	for i := range 2 {
		status, body := gw.post(t, "/v1/requests", map[string]any{"endpoint": fmt.Sprintf("/fail/%d", i)})
		require.Equal(t, http.StatusBadGateway, status)
		assert.Equal(t, "BACKEND_ERROR", body["error"].(map[string]any)["code"])
	}

	resp, err := gw.client.Post(gw.url+"/v1/requests", "application/json", strings.NewReader(`{"endpoint":"/random"}`))
	require.NoError(t, err)
	status, body := readJSON(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "CIRCUIT_OPEN", body["error"].(map[string]any)["code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.EqualValues(t, 2, up.calls.Load())

	status, body = gw.get(t, "/health")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", body["status"])

	status, body = gw.get(t, "/v1/breaker")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "open", body["breaker"].(map[string]any)["state"])
}

func TestGatewayMetricsUnderLoad(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, up.url, 1000, 50)

	const numRequests = 40
	const numWorkers = 8

	requestChan := make(chan int, numRequests)
	for i := range numRequests {
		requestChan <- i
	}
	close(requestChan)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for n := range requestChan {
				body := fmt.Sprintf(`{"endpoint":"/complexSearch","params":[{"key":"query","value":"q%d"}],"caller_id":"load-%d"}`, n%10, n%3)
				resp, err := gw.client.Post(gw.url+"/v1/requests", "application/json", strings.NewReader(body))
				if err == nil {
					_, _ = io.Copy(io.Discard, resp.Body)
					_ = resp.Body.Close()
				}
			}
		}()
	}
	wg.Wait()

	// Ten distinct queries; concurrent misses on the same key may each reach the backend.
	assert.GreaterOrEqual(t, up.calls.Load(), int64(10))

	resp, err := gw.client.Get(gw.url + "/metrics")
	require.NoError(t, err)
	data, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	metrics := string(data)
	assert.Contains(t, metrics, "test_http_requests_total")
	assert.Contains(t, metrics, "test_dispatch_requests_total")
	assert.Contains(t, metrics, "test_cache_lookups_total")
	assert.Contains(t, metrics, `endpoint="/v1/requests"`)
}
