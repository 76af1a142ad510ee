package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/cache"
	"github.com/quotaline/quotaline/internal/core/quota"
)

// DefaultRetryDelays is the backoff sequence for rate limited requests.
var DefaultRetryDelays = []time.Duration{
	time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

const (
	sourceBackend = "backend"
	sourceCache   = "cache"
	sourceStale   = "stale-cache"
)

// Fetcher performs the network call for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req core.Request) (json.RawMessage, error)
}

// Recorder receives dispatch metrics. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveRequest(endpoint string, outcome string, duration time.Duration)
	ObserveCache(result string)
	ObserveRetry(kind core.ErrorKind)
}

// QuotaReport combines caller and backend quota state.
type QuotaReport struct {
	Caller  core.QuotaStatus  `json:"caller"`
	Backend *core.QuotaStatus `json:"backend,omitempty"`
}

// Dispatcher is the single entry point for backend requests. It composes the
// cache, quota trackers, scheduler and breaker and owns retry and fallback policy.
type Dispatcher struct {
	Cache     *cache.ResponseCache
	Quota     *quota.Tracker
	Points    *quota.PointsTracker
	Scheduler *Scheduler
	Breaker   *CircuitBreaker
	Backend   Fetcher
	BaseURL   string

	RetryDelays []time.Duration
	MaxRetries  int

	Clock    func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	Logger   *logging.Logger
	Recorder Recorder
}

// Request resolves req from cache or the backend.
//
// A fresh cache hit returns without charging quota. Quota failures are
// terminal. Rate limited calls are retried with RetryDelays, re-checking the
// cache each time. When the breaker is open a stale cache entry is returned
// if one exists. Other failures propagate.
func (d *Dispatcher) Request(ctx context.Context, req core.Request) (*core.Response, error) {
	if d == nil || d.Cache == nil || d.Quota == nil || d.Scheduler == nil || d.Breaker == nil || d.Backend == nil {
		return nil, errors.New("dispatcher is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req = req.Normalized()
	if req.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	requestID := uuid.NewString()
	requestedAt := d.now()
	key := cache.RequestKey(d.BaseURL, req)

	if d.Logger != nil {
		d.Logger.Debug("Dispatch started",
			zap.String("request_id", requestID),
			zap.String("caller_id", req.CallerID),
			zap.String("endpoint", req.Endpoint),
			zap.Int("priority", int(req.Priority)))
	}

	for attempt := 0; ; attempt++ {
		resp, err := d.attempt(ctx, req, key)
		if err == nil {
			resp.Provenance.RequestID = requestID
			resp.Provenance.RequestedAt = requestedAt
			resp.Provenance.ResolvedAt = d.now()
			resp.Provenance.Attempts = attempt + 1
			d.observe(req.Endpoint, resp.Provenance.Source, requestedAt)
			return resp, nil
		}

		switch core.KindOf(err) {
		case core.KindRateLimited:
			if attempt >= d.maxRetries() {
				d.observe(req.Endpoint, string(core.KindRateLimited), requestedAt)
				return nil, err
			}
			delay := d.retryDelay(attempt)
			if d.Logger != nil {
				d.Logger.Warn("Backend rate limited, retrying",
					zap.String("request_id", requestID),
					zap.String("endpoint", req.Endpoint),
					zap.Int("attempt", attempt+1),
					zap.Duration("delay", delay))
			}
			if d.Recorder != nil {
				d.Recorder.ObserveRetry(core.KindRateLimited)
			}
			if err := d.sleep(ctx, delay); err != nil {
				return nil, err
			}
		case core.KindCircuitOpen:
			entry, ok := d.Cache.GetStale(ctx, key)
			if !ok {
				d.observe(req.Endpoint, string(core.KindCircuitOpen), requestedAt)
				return nil, err
			}
			if d.Logger != nil {
				d.Logger.Warn("Circuit open, serving stale cache entry",
					zap.String("request_id", requestID),
					zap.String("endpoint", req.Endpoint),
					zap.Time("stored_at", entry.StoredAt))
			}
			if d.Recorder != nil {
				d.Recorder.ObserveCache("stale")
			}
			resp := cachedResponse(entry, sourceStale)
			resp.Provenance.RequestID = requestID
			resp.Provenance.RequestedAt = requestedAt
			resp.Provenance.ResolvedAt = d.now()
			resp.Provenance.Attempts = attempt + 1
			d.observe(req.Endpoint, sourceStale, requestedAt)
			return resp, nil
		default:
			d.observe(req.Endpoint, string(core.KindOf(err)), requestedAt)
			return nil, err
		}
	}
}

// attempt is one pass of cache check, quota check, scheduled call and write-back.
func (d *Dispatcher) attempt(ctx context.Context, req core.Request, key string) (*core.Response, error) {
	if entry, ok := d.Cache.Get(ctx, key); ok {
		if d.Logger != nil {
			d.Logger.Debug("Cache hit", zap.String("key", key))
		}
		if d.Recorder != nil {
			d.Recorder.ObserveCache("hit")
		}
		return cachedResponse(entry, sourceCache), nil
	}
	if d.Recorder != nil {
		d.Recorder.ObserveCache("miss")
	}

	if err := d.Quota.Check(ctx, req.CallerID); err != nil {
		return nil, err
	}
	if err := d.Points.CanSpend(ctx, req.Endpoint); err != nil {
		return nil, err
	}

	payload, err := d.Scheduler.Schedule(ctx, req.Priority, func(opCtx context.Context) (json.RawMessage, error) {
		return d.Breaker.Execute(opCtx, func(callCtx context.Context) (json.RawMessage, error) {
			payload, err := d.Backend.Fetch(callCtx, req)
			if core.KindOf(err) == core.KindRateLimited {
				d.Scheduler.Limiter.Record429(core.RetryAfterOf(err))
			}
			return payload, err
		})
	})
	if err != nil {
		return nil, err
	}

	if err := d.Cache.Put(ctx, key, payload); err != nil {
		d.warn("Failed to persist cache entry", req, err)
	}
	if err := d.Quota.RecordUse(ctx, req.CallerID); err != nil {
		d.warn("Failed to record quota use", req, err)
	}
	if err := d.Points.Track(ctx, req.Endpoint); err != nil {
		d.warn("Failed to record backend points", req, err)
	}

	return &core.Response{
		Payload:    payload,
		Provenance: core.Provenance{Source: sourceBackend},
	}, nil
}

// CheckQuota reports whether callerID may issue a request to endpoint. An
// empty endpoint skips the backend points check.
func (d *Dispatcher) CheckQuota(ctx context.Context, callerID, endpoint string) error {
	if d == nil || d.Quota == nil {
		return errors.New("dispatcher is not configured")
	}
	if err := d.Quota.Check(ctx, callerID); err != nil {
		return err
	}
	if endpoint == "" {
		return nil
	}
	return d.Points.CanSpend(ctx, endpoint)
}

// TrackRequest charges a request made outside the dispatcher.
func (d *Dispatcher) TrackRequest(ctx context.Context, callerID, endpoint string) error {
	if d == nil || d.Quota == nil {
		return errors.New("dispatcher is not configured")
	}
	if err := d.Quota.RecordUse(ctx, callerID); err != nil {
		return err
	}
	if endpoint == "" {
		return nil
	}
	return d.Points.Track(ctx, endpoint)
}

// QuotaStatus returns the caller's and the backend's usage for today.
func (d *Dispatcher) QuotaStatus(ctx context.Context, callerID string) (QuotaReport, error) {
	if d == nil || d.Quota == nil {
		return QuotaReport{}, errors.New("dispatcher is not configured")
	}
	callerStatus, err := d.Quota.Status(ctx, callerID)
	if err != nil {
		return QuotaReport{}, err
	}
	report := QuotaReport{Caller: callerStatus}
	if d.Points.Enabled() {
		backendStatus, err := d.Points.Status(ctx)
		if err != nil {
			return QuotaReport{}, err
		}
		report.Backend = &backendStatus
	}
	return report, nil
}

// CleanupCache sweeps expired entries from memory and durable storage.
func (d *Dispatcher) CleanupCache(ctx context.Context) (cache.CleanupResult, error) {
	if d == nil || d.Cache == nil {
		return cache.CleanupResult{}, errors.New("dispatcher is not configured")
	}
	result, err := d.Cache.Cleanup(ctx)
	if err != nil {
		return result, fmt.Errorf("cache cleanup: %w", err)
	}
	return result, nil
}

func (d *Dispatcher) maxRetries() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return len(d.delays())
}

func (d *Dispatcher) delays() []time.Duration {
	if len(d.RetryDelays) > 0 {
		return d.RetryDelays
	}
	return DefaultRetryDelays
}

// retryDelay reuses the last delay once the sequence is exhausted.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delays := d.delays()
	if attempt >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt]
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) observe(endpoint, outcome string, started time.Time) {
	elapsed := d.now().Sub(started)
	if d.Logger != nil {
		d.Logger.Debug("Dispatch finished",
			zap.String("endpoint", endpoint),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", elapsed))
	}
	if d.Recorder == nil {
		return
	}
	d.Recorder.ObserveRequest(endpoint, outcome, elapsed)
}

func (d *Dispatcher) warn(msg string, req core.Request, err error) {
	if d.Logger == nil {
		return
	}
	d.Logger.Warn(msg,
		zap.String("caller_id", req.CallerID),
		zap.String("endpoint", req.Endpoint),
		zap.Error(err))
}

func (d *Dispatcher) now() time.Time {
	if d != nil && d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

func cachedResponse(entry *core.CacheEntry, source string) *core.Response {
	storedAt := entry.StoredAt
	return &core.Response{
		Payload:   entry.Payload,
		FromCache: true,
		Stale:     entry.Stale,
		Provenance: core.Provenance{
			Source:   source,
			CachedAt: &storedAt,
		},
	}
}
