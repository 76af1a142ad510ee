package server

import (
	"net/http"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/quotaline/quotaline/internal/errors"
	"github.com/quotaline/quotaline/internal/observability"
	"github.com/quotaline/quotaline/internal/server/handlers"
)

// AdminTokenEnv enables POST /admin/signal when set.
const AdminTokenEnv = "QUOTALINE_ADMIN_TOKEN"

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", s.metricsHandler)

	if s.deps.Dispatcher != nil {
		api := &handlers.API{Dispatcher: s.deps.Dispatcher}
		s.router.Route("/v1", func(r chi.Router) {
			api.Mount(r)
		})
	}

	s.registerAdminEndpoint()
}

// metricsHandler serves the Prometheus exposition for the configured collector.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	collector := s.deps.Metrics
	if collector == nil {
		collector = observability.MetricsCollector
	}
	if collector == nil {
		apperrors.RespondWithError(w, r, apperrors.NewNotFoundError("metrics are disabled"))
		return
	}
	collector.Handler().ServeHTTP(w, r)
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	adminToken := os.Getenv(AdminTokenEnv)
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + AdminTokenEnv + " set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10, // requests per minute
		RateBurst: 5,
		Manager:   nil, // default global manager
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
