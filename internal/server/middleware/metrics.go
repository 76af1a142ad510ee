package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/observability"
)

// getEndpointPattern returns the matched chi route pattern so path
// parameters such as {caller} do not become label values.
func getEndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	switch r.URL.Path {
	case "/health", "/health/live", "/health/ready":
		return "/health/*"
	case "/version", "/metrics", "/":
		return r.URL.Path
	default:
		return "/unknown"
	}
}

// RequestMetrics records request count, latency and response size, then logs
// the completed request. Caller identity is logged when the X-Caller-ID
// header is present.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		endpoint := getEndpointPattern(r)

		observability.MetricsCollector.ObserveHTTP(r.Method, endpoint, status, duration, int64(ww.BytesWritten()))

		logger := observability.ServerLogger
		if logger == nil {
			return
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("endpoint", endpoint),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.Int("response_size", ww.BytesWritten()),
			zap.String("request_id", GetRequestID(r.Context())),
		}
		if caller := r.Header.Get("X-Caller-ID"); caller != "" {
			fields = append(fields, zap.String("caller_id", caller))
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("HTTP request failed", fields...)
			return
		}
		logger.Debug("HTTP request completed", fields...)
	})
}
