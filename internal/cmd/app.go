package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/config"
	"github.com/quotaline/quotaline/internal/core/backend"
	"github.com/quotaline/quotaline/internal/core/cache"
	"github.com/quotaline/quotaline/internal/core/engine"
	"github.com/quotaline/quotaline/internal/core/quota"
	"github.com/quotaline/quotaline/internal/core/store"
	"github.com/quotaline/quotaline/internal/observability"
)

// app holds exactly one instance of each component for a process.
type app struct {
	cfg        *config.Config
	store      store.Backend
	dispatcher *engine.Dispatcher
}

// buildApp opens the configured store and composes the dispatcher over it.
// Quota ledgers are rehydrated before the app is returned.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	kv, err := store.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	responses := cache.New(kv, cfg.Cache.TTL)
	responses.Logger = logger

	tracker := quota.NewTracker(kv, cfg.Quota.DailyLimit)
	tracker.Logger = logger
	if err := tracker.Load(ctx); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("load caller quotas: %w", err)
	}

	points := quota.NewPointsTracker(kv, cfg.Quota.BackendDailyPoints, cfg.Quota.EndpointCosts, cfg.Quota.DefaultCost)
	points.Logger = logger
	if err := points.Load(ctx); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("load backend points: %w", err)
	}

	limiter := engine.NewWindowLimiter(cfg.Scheduler.Limit, cfg.Scheduler.Interval)
	if margin := cfg.Scheduler.SafetyMargin; margin > 0 && margin < 1 {
		limiter.ApplySafetyMargin(margin)
	}
	scheduler := engine.NewScheduler(limiter, engine.NewSpacingGate(cfg.Scheduler.MinSpacing))
	scheduler.Logger = logger
	scheduler.OnDepth = observability.MetricsCollector.SetQueueDepth

	breaker := engine.NewCircuitBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout)
	breaker.OnStateChange = func(from, to engine.BreakerState) {
		observability.MetricsCollector.SetBreakerState(to.String())
		if logger == nil {
			return
		}
		fields := []zap.Field{zap.String("from", from.String()), zap.String("to", to.String())}
		if to == engine.BreakerOpen {
			logger.Warn("Circuit breaker opened", fields...)
			return
		}
		logger.Info("Circuit breaker state changed", fields...)
	}

	client := &backend.Client{
		BaseURL:        cfg.Backend.BaseURL,
		APIKey:         cfg.Backend.APIKey,
		HTTPClient:     &http.Client{Timeout: cfg.Backend.Timeout},
		MaxAttempts:    cfg.Backend.MaxAttempts,
		InitialBackoff: cfg.Backend.InitialBackoff,
		UserAgent:      config.AppName + "/" + versionInfo.Version,
		Logger:         logger,
	}

	dispatcher := &engine.Dispatcher{
		Cache:       responses,
		Quota:       tracker,
		Points:      points,
		Scheduler:   scheduler,
		Breaker:     breaker,
		Backend:     client,
		BaseURL:     cfg.Backend.BaseURL,
		RetryDelays: cfg.RetryDelays(),
		MaxRetries:  cfg.Retry.MaxAttempts,
		Logger:      logger,
	}
	if observability.MetricsCollector != nil {
		dispatcher.Recorder = observability.MetricsCollector
	}

	return &app{cfg: cfg, store: kv, dispatcher: dispatcher}, nil
}

// Close releases the store.
func (a *app) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

// openApp loads config and builds the app with the CLI logger.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, observability.CLILogger)
}
