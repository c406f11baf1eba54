// Package server exposes the wizard to chat drivers over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server is the HTTP front of one deployment.
type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

// Option configures a Server.
type Option func(*config)

type config struct {
	auth    *Authenticator
	timeout time.Duration
	maxBody int64
	metrics http.Handler
}

// WithAuthenticator requires driver API keys.
func WithAuthenticator(a *Authenticator) Option {
	return func(c *config) {
		c.auth = a
	}
}

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxBodySize caps media uploads.
func WithMaxBodySize(n int64) Option {
	return func(c *config) {
		c.maxBody = n
	}
}

// WithMetricsHandler serves h at /metrics without authentication.
func WithMetricsHandler(h http.Handler) Option {
	return func(c *config) {
		c.metrics = h
	}
}

// New builds the router and mounts the wizard API.
func New(port int, logger *slog.Logger, w Wizard, opts ...Option) *Server {
	cfg := &config{timeout: 60 * time.Second, maxBody: 20 << 20}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "genflow")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.auth))
		r.Use(TimeoutMiddleware(cfg.timeout))
		(&handlers{wizard: w, maxBody: cfg.maxBody}).mount(r)
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
	}
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
