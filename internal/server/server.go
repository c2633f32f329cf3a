// Package server assembles the HTTP service: routing, middleware, and the
// lifecycle of the underlying http.Server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/goqueue/internal/errors"
	"github.com/3leaps/goqueue/internal/server/handlers"
	"github.com/3leaps/goqueue/internal/server/middleware"
	"github.com/3leaps/goqueue/pkg/supervisor"
)

// Server is the queue manager's HTTP front end.
type Server struct {
	host   string
	port   int
	sup    *supervisor.Supervisor
	logger *zap.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	router  chi.Router
	httpSrv *http.Server
}

// Option customizes the server.
type Option func(*Server)

// WithSupervisor attaches the supervisor that backs the /jobs endpoints.
// Without it, only the health, version, and metrics endpoints are served.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(s *Server) { s.sup = sup }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTimeouts sets the http.Server read, write, and idle timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// New builds a server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, apperrors.CodeNotFound, "resource not found", nil, http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, apperrors.CodeMethodNotAllowed, "method not allowed", nil, http.StatusMethodNotAllowed)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/healthz", handlers.HealthHandler)
	r.Get("/version", handlers.VersionHandler)
	r.Handle("/metrics", promhttp.Handler())

	if s.sup != nil {
		jh := &handlers.JobsHandler{Sup: s.sup, Logger: s.logger}
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jh.List)
			r.Post("/", jh.Submit)
			r.Get("/{jobID}", jh.Get)
			r.Post("/{jobID}/cancel", jh.Cancel)
			r.Delete("/{jobID}", jh.Delete)
			r.Get("/{jobID}/wait", jh.Wait)
		})
		r.Get("/stats", jh.Stats)
	}
	return r
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Start runs the HTTP server until Shutdown is called. It returns nil on
// graceful shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	s.logger.Info("http server listening", zap.String("addr", s.Addr()))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
