package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowforge/flowforge/internal/health"
	"github.com/flowforge/flowforge/pkg/metrics"
)

// RouterConfig carries the optional pieces of the router.
type RouterConfig struct {
	Health  *health.Handler
	Metrics *metrics.Registry
}

// NewRouter builds the chi router with middleware, workflow routes, and
// the operational endpoints.
func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/start", h.StartWorkflow)
		r.Get("/", h.ListWorkflows)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetWorkflow)
			r.Post("/signal", h.SignalWorkflow)
		})
	})

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.HealthHandler)
		r.Get("/health/live", cfg.Health.LivenessHandler)
		r.Get("/health/ready", cfg.Health.ReadinessHandler)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	return r
}

// Server wraps an HTTP server with graceful shutdown support.
type Server struct {
	server *http.Server
	router chi.Router
}

// NewServer creates a server on the given address.
func NewServer(router chi.Router, addr string) *Server {
	return &Server{
		router: router,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start blocks serving requests until shutdown.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains active connections until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
