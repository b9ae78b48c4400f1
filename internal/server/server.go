// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/events"
	"github.com/slotkeeper/slotkeeper/internal/handlers"
	"github.com/slotkeeper/slotkeeper/internal/metrics"
	"github.com/slotkeeper/slotkeeper/internal/middleware"
	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
	"github.com/slotkeeper/slotkeeper/pkg/logger"
)

// Server represents the HTTP server.
type Server struct {
	cfg              *config.Config
	log              *logger.Logger
	router           *chi.Mux
	httpServer       *http.Server
	limiter          *ratelimit.Limiter
	broker           *events.Broker
	healthHandler    *handlers.HealthHandler
	rateLimitHandler *handlers.RateLimitHandler
	adminHandler     *handlers.AdminHandler
	streamHandler    *handlers.StreamHandler
	docsHandler      *handlers.DocsHandler
	listener         net.Listener
	running          bool
	mu               sync.RWMutex
}

// New creates a new Server instance. broker may be nil, in which case the
// decision stream is not mounted.
func New(cfg *config.Config, log *logger.Logger, limiter *ratelimit.Limiter, broker *events.Broker) *Server {
	s := &Server{
		cfg:              cfg,
		log:              log,
		limiter:          limiter,
		broker:           broker,
		healthHandler:    handlers.NewHealthHandler(),
		rateLimitHandler: handlers.NewRateLimitHandler(limiter, cfg.Rate.TrustProxy),
		adminHandler:     handlers.NewAdminHandler(limiter, log),
		docsHandler:      handlers.NewDocsHandler(),
	}
	if broker != nil {
		s.streamHandler = handlers.NewStreamHandler(broker)
	}

	s.healthHandler.AddCheck("store", limiter.Ping)

	s.router = chi.NewRouter()
	s.router.Use(
		middleware.Metrics(),
		middleware.RequestID(),
		middleware.ClientIP(cfg.Rate.TrustProxy, cfg.Rate.TrustedProxies),
		chimw.Recoverer,
	)
	s.registerRoutes(s.router)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.log.Info("rate limiter configured",
		"backend", limiter.Backend(),
		"enabled", limiter.Enabled(),
		"trust_proxy", cfg.Rate.TrustProxy,
	)

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(r chi.Router) {
	r.Get("/health", s.healthHandler.Health)
	r.Get("/ready", s.healthHandler.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/docs", s.docsHandler.ScalarUI)
	r.Get("/docs/openapi.yaml", s.docsHandler.OpenAPISpec)

	apiPolicy, _ := s.limiter.Policy(ratelimit.EndpointAPI)
	apiLimit := middleware.RateLimit(s.limiter, apiPolicy, middleware.RateLimitConfig{
		TrustProxy: s.cfg.Rate.TrustProxy,
	})

	r.Route("/api/v1/ratelimit", func(r chi.Router) {
		r.With(apiLimit).Get("/policies", s.rateLimitHandler.Policies)
		r.Post("/{policy}/check", s.rateLimitHandler.Check)
	})

	if !s.cfg.AdminEnabled() {
		s.log.Info("admin API disabled: ADMIN_API_TOKEN not set")
		return
	}

	r.Route("/admin/ratelimits", func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.cfg.Admin.Token))
		r.Get("/", s.adminHandler.List)
		r.Post("/cleanup", s.adminHandler.Cleanup)
		r.Delete("/{endpoint}/{identifier}", s.adminHandler.Reset)
		if s.streamHandler != nil {
			r.Get("/stream", s.streamHandler.ServeHTTP)
		}
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address()

	// Create listener first to get the actual address (important when port is 0)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.log.Info("server starting", "address", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server, then closes the decision
// stream and the limiter's store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")

	// Mark as not ready during shutdown
	s.healthHandler.SetReady(false)

	// Stream connections are hijacked, so Shutdown does not wait for them.
	if s.broker != nil {
		s.broker.Close()
	}

	err := s.httpServer.Shutdown(ctx)

	if closeErr := s.limiter.Close(); closeErr != nil {
		s.log.Error("failed to close rate limit store", "error", closeErr.Error())
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("shutdown error", "error", err.Error())
		return err
	}

	s.log.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthHandler returns the health handler.
func (s *Server) HealthHandler() *handlers.HealthHandler {
	return s.healthHandler
}
