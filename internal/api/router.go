package api

import (
	"log/slog"
	"net/http"

	"github.com/timeweave/timeweave/internal/auth"
	"github.com/timeweave/timeweave/internal/metrics"
	"github.com/timeweave/timeweave/internal/pipeline"
	"github.com/timeweave/timeweave/internal/provider"
)

// SetupRoutes configures all API routes
func SetupRoutes(
	mux *http.ServeMux,
	runner Runner,
	registry *pipeline.TaskRegistry,
	breakers *provider.Registry,
	collector *metrics.Collector,
	authConfig auth.Config,
	logger *slog.Logger,
) {
	handler := NewHandler(runner, registry, breakers, logger)
	authHandler := NewAuthHandler(authConfig, logger)

	authMiddleware := auth.Middleware(authConfig)

	// Authentication routes (public)
	mux.HandleFunc("/api/auth/login", authHandler.Login)
	mux.Handle("/api/auth/validate", authMiddleware(http.HandlerFunc(authHandler.ValidateToken)))

	// Retrieval routes (trigger requires auth, status is public)
	mux.Handle("/api/retrievals", authMiddleware(http.HandlerFunc(handler.TriggerRetrievalHandler)))
	mux.HandleFunc("/api/tasks/", handler.GetTaskHandler)

	// Operational routes
	mux.HandleFunc("/api/health", handler.HealthHandler)
	mux.HandleFunc("/api/providers/health", handler.GetProviderHealthHandler)
	mux.Handle("/metrics", collector.Handler())
}
