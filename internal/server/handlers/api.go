package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/engine"
	apperrors "github.com/quotaline/quotaline/internal/errors"
	"github.com/quotaline/quotaline/internal/observability"
)

const maxRequestBody = 1 << 20

// API serves the caller-facing dispatch, quota, cache and breaker endpoints.
type API struct {
	Dispatcher *engine.Dispatcher
}

// Mount registers the API routes on r.
func (a *API) Mount(r chi.Router) {
	r.Post("/requests", a.SubmitRequest)
	r.Get("/quota/{caller}", a.QuotaStatus)
	r.Post("/quota/{caller}/track", a.TrackQuota)
	r.Post("/cache/cleanup", a.CleanupCache)
	r.Get("/breaker", a.BreakerStatus)
}

// SubmitRequest is the POST /v1/requests body.
type SubmitRequest struct {
	Endpoint string      `json:"endpoint"`
	Params   core.Params `json:"params,omitempty"`
	CallerID string      `json:"caller_id,omitempty"`
	Priority string      `json:"priority,omitempty"`
}

// TrackBody is the POST /v1/quota/{caller}/track body.
type TrackBody struct {
	Endpoint string `json:"endpoint,omitempty"`
}

// QuotaCheckResponse reports whether a caller may issue another request.
type QuotaCheckResponse struct {
	Allowed bool               `json:"allowed"`
	Reason  string             `json:"reason,omitempty"`
	Quota   engine.QuotaReport `json:"quota"`
}

// SubmitRequest resolves one request through the dispatcher.
func (a *API) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := decodeJSON(r, &body); err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid request body"))
		return
	}
	if strings.TrimSpace(body.Endpoint) == "" {
		apperrors.RespondWithError(w, r, apperrors.NewInvalidInputError("endpoint is required"))
		return
	}
	priority, err := core.ParsePriority(body.Priority)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid priority"))
		return
	}
	callerID := body.CallerID
	if callerID == "" {
		callerID = r.Header.Get("X-Caller-ID")
	}

	resp, err := a.Dispatcher.Request(r.Context(), core.Request{
		Endpoint: body.Endpoint,
		Params:   body.Params,
		CallerID: callerID,
		Priority: priority,
	})
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	if !resp.FromCache {
		a.publishQuota(r, core.Request{CallerID: callerID}.Normalized().CallerID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// QuotaStatus reports today's usage for the caller in the path. With an
// endpoint query parameter it also reports whether that call would be allowed.
func (a *API) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller")
	report, err := a.Dispatcher.QuotaStatus(r.Context(), callerID)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "quota lookup failed"))
		return
	}

	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" && r.URL.Query().Get("check") == "" {
		writeJSON(w, http.StatusOK, report)
		return
	}

	check := QuotaCheckResponse{Allowed: true, Quota: report}
	if err := a.Dispatcher.CheckQuota(r.Context(), callerID, endpoint); err != nil {
		if core.KindOf(err) != core.KindQuotaExceeded {
			apperrors.RespondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "quota check failed"))
			return
		}
		check.Allowed = false
		check.Reason = err.Error()
	}
	writeJSON(w, http.StatusOK, check)
}

// TrackQuota charges a request made outside the dispatcher.
func (a *API) TrackQuota(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller")

	var body TrackBody
	if err := decodeJSON(r, &body); err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid request body"))
		return
	}
	if err := a.Dispatcher.TrackRequest(r.Context(), callerID, body.Endpoint); err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to record quota use"))
		return
	}

	report, err := a.Dispatcher.QuotaStatus(r.Context(), callerID)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "quota lookup failed"))
		return
	}
	a.publishQuota(r, callerID)
	writeJSON(w, http.StatusOK, report)
}

// CleanupCache sweeps expired cache entries.
func (a *API) CleanupCache(w http.ResponseWriter, r *http.Request) {
	result, err := a.Dispatcher.CleanupCache(r.Context())
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "cache cleanup failed"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BreakerStatus reports the circuit breaker and scheduler state.
func (a *API) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	d := a.Dispatcher
	if d == nil || d.Breaker == nil {
		apperrors.RespondWithError(w, r, apperrors.NewServiceUnavailableError("dispatcher not configured"))
		return
	}
	status := struct {
		Breaker  engine.BreakerSnapshot `json:"breaker"`
		Pending  int                    `json:"pending"`
		Limit    int                    `json:"limit"`
		InWindow int                    `json:"in_window"`
	}{Breaker: d.Breaker.Snapshot()}
	if d.Scheduler != nil {
		status.Pending = d.Scheduler.Pending()
		window := d.Scheduler.Limiter.Snapshot()
		status.Limit = window.Limit
		status.InWindow = len(window.Dispatched)
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) publishQuota(r *http.Request, callerID string) {
	if observability.MetricsCollector == nil {
		return
	}
	report, err := a.Dispatcher.QuotaStatus(r.Context(), callerID)
	if err != nil {
		return
	}
	observability.MetricsCollector.SetQuota(report.Caller)
	if report.Backend != nil {
		observability.MetricsCollector.SetQuota(*report.Backend)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
