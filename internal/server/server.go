package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the Loomreach HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Handlers *Handlers
	Logger   *slog.Logger

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ExtraRoutes lets embedders register additional routes on the mux
	// before the middleware chain wraps it.
	ExtraRoutes func(mux *http.ServeMux)
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := cfg.Handlers

	mux := http.NewServeMux()

	// Orchestration.
	mux.HandleFunc("POST /v1/runs", h.HandleCreateRun)

	// Run and evidence retrieval.
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/evidence", h.HandleGetEvidence)

	// Workspace management.
	mux.HandleFunc("PUT /v1/workspaces/{workspace_id}", h.HandleSetWorkspaceTier)
	mux.HandleFunc("GET /v1/workspaces/{workspace_id}/usage", h.HandleGetWorkspaceUsage)

	// Billing: checkout sessions plus Stripe webhooks (signature-verified,
	// no API auth).
	mux.HandleFunc("POST /v1/billing/checkout", h.HandleBillingCheckout)
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	if cfg.ExtraRoutes != nil {
		cfg.ExtraRoutes(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
