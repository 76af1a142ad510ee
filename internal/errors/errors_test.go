package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/server/middleware"
)

func TestHTTPStatusFromCode(t *testing.T) {
	cases := map[string]int{
		CodeQuotaExceeded:     http.StatusTooManyRequests,
		CodeRateLimited:       http.StatusTooManyRequests,
		CodeCircuitOpen:       http.StatusServiceUnavailable,
		CodeBackendError:      http.StatusBadGateway,
		"INVALID_INPUT":       http.StatusBadRequest,
		"NOT_FOUND":           http.StatusNotFound,
		"METHOD_NOT_ALLOWED":  http.StatusMethodNotAllowed,
		"TIMEOUT":             http.StatusGatewayTimeout,
		"SERVICE_UNAVAILABLE": http.StatusServiceUnavailable,
		"SOMETHING_ELSE":      http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, HTTPStatusFromCode(code), code)
	}
}

func TestFromDispatchError(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDContextKey, "req-1")

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"quota", core.NewQuotaExceeded("alice", "used 150 of 150"), CodeQuotaExceeded},
		{"rate limited", &core.DispatchError{Kind: core.KindRateLimited, StatusCode: 429}, CodeRateLimited},
		{"circuit open", core.NewCircuitOpen(time.Second), CodeCircuitOpen},
		{"backend", &core.DispatchError{Kind: core.KindBackend, StatusCode: 500}, CodeBackendError},
		{"wrapped", fmt.Errorf("fetch: %w", core.NewCircuitOpen(0)), CodeCircuitOpen},
		{"plain", stderrors.New("boom"), CodeBackendError},
		{"deadline", context.DeadlineExceeded, "TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope := FromDispatchError(ctx, tt.err)
			require.Equal(t, tt.code, envelope.Code)
			require.Equal(t, "req-1", envelope.CorrelationID)
		})
	}
}

func TestRespondWithDispatchError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDContextKey, "req-42"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, core.NewCircuitOpen(1500*time.Millisecond))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, CodeCircuitOpen, body.Error.Code)
	require.Equal(t, "req-42", body.Error.RequestID)
	require.NotEmpty(t, body.Error.Details)
}

func TestRespondWithQuotaError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", nil)
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, core.NewQuotaExceeded("alice", "used 150 of 150"))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Empty(t, rec.Header().Get("Retry-After"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, CodeQuotaExceeded, body.Error.Code)
	require.Equal(t, "alice", body.Error.Details["caller_id"])
	require.NotEmpty(t, body.Error.RequestID)
}

func TestRespondWithGenericErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)

	rec := httptest.NewRecorder()
	RespondWithError(rec, req, NewNotFoundError("nope"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	RespondWithError(rec, req, stderrors.New("unexpected"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	require.Contains(t, body.Error.RequestID, "fallback-")
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	require.Equal(t, 1, retryAfterSeconds(&core.DispatchError{RetryAfter: 10 * time.Millisecond}))
	require.Equal(t, 2, retryAfterSeconds(&core.DispatchError{RetryAfter: 2 * time.Second}))
	require.Equal(t, 3, retryAfterSeconds(&core.DispatchError{RetryAfter: 2001 * time.Millisecond}))
}
