// Package api provides the operator HTTP API of the node.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/synergy-network/synergy-node/internal/api/handlers"
	"github.com/synergy-network/synergy-node/internal/api/health"
	"github.com/synergy-network/synergy-node/internal/api/middleware"
	"github.com/synergy-network/synergy-node/internal/auth"
	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/engine"
	"github.com/synergy-network/synergy-node/internal/points"
	"github.com/synergy-network/synergy-node/internal/store"
	"github.com/synergy-network/synergy-node/internal/tasks"
	"github.com/synergy-network/synergy-node/pkg/config"
)

// Version is the current version of the node.
// This should be set at build time using ldflags.
var Version = "dev"

// Listener reports whether the peer transport is accepting deliveries.
type Listener interface {
	IsServing() bool
}

// Deps are the node components the API serves. Listener is optional.
type Deps struct {
	Engine   *engine.Engine
	Store    store.Store
	Clusters *cluster.Manager
	Points   *points.Ledger
	Pool     *tasks.Pool
	Auth     *auth.Service
	Listener Listener
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Deps
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger.With("component", "api"),
	}

	s.healthChecker = health.NewChecker(cfg.NodeID, Version)
	if cfg.HealthCheckTimeout > 0 {
		s.healthChecker.SetTimeout(cfg.HealthCheckTimeout)
	}
	s.healthChecker.RegisterPinger("store", deps.Store)
	s.healthChecker.Register("engine", s.engineHealth)
	if deps.Listener != nil {
		s.healthChecker.Register("transport", s.transportHealth)
	}

	s.setupRouter()
	return s
}

func (s *Server) engineHealth(ctx context.Context) health.ComponentStatus {
	if !s.deps.Engine.Running() {
		return health.ComponentStatus{Status: health.StatusUnhealthy, Message: "engine stopped"}
	}
	n := len(s.deps.Engine.InstanceIDs())
	if n == 0 {
		return health.ComponentStatus{Status: health.StatusDegraded, Message: "no cluster instances"}
	}
	return health.ComponentStatus{Status: health.StatusHealthy, Message: strconv.Itoa(n) + " cluster instances"}
}

func (s *Server) transportHealth(ctx context.Context) health.ComponentStatus {
	if !s.deps.Listener.IsServing() {
		return health.ComponentStatus{Status: health.StatusUnhealthy, Message: "peer listener down"}
	}
	return health.ComponentStatus{Status: health.StatusHealthy, Message: "serving"}
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteNotFound(w, r, "No such route", map[string]any{"method": r.Method, "path": r.URL.Path})
	})

	r.Get("/health", s.healthChecker.Handler())
	r.Handle("/metrics", s.deps.Engine.Metrics().Handler())

	validatorHandler := handlers.NewValidatorHandler(s.deps.Clusters, s.logger)
	clusterHandler := handlers.NewClusterHandler(s.deps.Engine, s.deps.Clusters, s.logger)
	taskHandler := handlers.NewTaskHandler(s.deps.Engine, s.deps.Pool, s.deps.Clusters, s.logger)
	pointsHandler := handlers.NewPointsHandler(s.deps.Points, s.logger)
	consensusHandler := handlers.NewConsensusHandler(s.deps.Engine, s.deps.Store.Results(), s.logger)
	eventsHandler := handlers.NewEventsHandler(s.deps.Engine.Events(), s.logger)

	authMiddleware := middleware.NewAuthMiddleware(s.deps.Auth, s.config.APIKeyHeader, s.logger)

	r.Route("/v1", func(r chi.Router) {
		// The event stream is long-lived and must not be cut by the timeout.
		r.Get("/events", eventsHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Get("/validators", validatorHandler.List)
			r.Get("/validators/{id}", validatorHandler.Get)
			r.Get("/clusters", clusterHandler.List)
			r.Get("/clusters/health", clusterHandler.Health)
			r.Get("/clusters/{id}", clusterHandler.Get)
			r.Get("/tasks/stats", taskHandler.Stats)
			r.Get("/tasks/{id}", taskHandler.Get)
			r.Get("/points/top", pointsHandler.Top)
			r.Get("/points/{id}", pointsHandler.Get)
			r.Get("/consensus", consensusHandler.List)
			r.Get("/consensus/{clusterID}", consensusHandler.Get)
			r.Get("/consensus/{clusterID}/results", consensusHandler.Results)

			// Mutating routes require an operator credential.
			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.Authenticate)

				r.Post("/validators", validatorHandler.Register)
				r.Patch("/validators/{id}/availability", validatorHandler.UpdateAvailability)
				r.Post("/clusters", clusterHandler.Create)
				r.Post("/clusters/form", clusterHandler.Form)
				r.Post("/clusters/{id}/rewards", clusterHandler.Rewards)
				r.Post("/tasks", taskHandler.Submit)
				r.Post("/tasks/find-cluster", taskHandler.FindCluster)
				r.Post("/points/rewards", pointsHandler.Rewards)
			})
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
