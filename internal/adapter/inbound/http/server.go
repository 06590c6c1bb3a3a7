package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/posguard/internal/domain/headers"
)

// Server is the inbound adapter serving the status surface.
type Server struct {
	api      *API
	health   *HealthChecker
	server   *http.Server
	addr     string
	certFile string
	keyFile  string
	creds    Credentials
	policy   *headers.Policy
	registry *prometheus.Registry
	metrics  *Metrics
	logger   *slog.Logger
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8090".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdminCredentials protects /api with basic auth.
func WithAdminCredentials(c Credentials) Option {
	return func(s *Server) {
		s.creds = c
	}
}

// WithPolicy writes the response security headers on every response.
func WithPolicy(p headers.Policy) Option {
	return func(s *Server) {
		s.policy = &p
	}
}

// WithRegistry serves and registers metrics on reg instead of a private
// registry, so collectors registered elsewhere appear on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// NewServer creates the status server.
func NewServer(api *API, health *HealthChecker, opts ...Option) *Server {
	s := &Server{
		api:    api,
		health: health,
		addr:   "127.0.0.1:8090",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = NewMetrics(s.registry)
	if s.api == nil {
		s.api = NewAPI(nil, nil, nil, nil, nil)
	}
	s.api.metrics = s.metrics
	if s.health == nil {
		s.health = NewHealthChecker(nil, nil, nil, "")
	}
	return s
}

// Metrics returns the status surface metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestIDMiddleware(s.logger))
	r.Use(MetricsMiddleware(s.metrics))
	if s.policy != nil {
		r.Use(s.policy.Middleware)
	}

	r.Method(http.MethodGet, "/health", s.health.Handler())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	r.Post("/csp-report", s.api.Report)

	r.Route("/api", func(r chi.Router) {
		r.Use(BasicAuth(s.creds, s.metrics))
		r.Get("/dashboard", s.api.Dashboard)
		r.Get("/export", s.api.Export)
		r.Post("/logout", s.api.Logout)
		r.Post("/foreground", s.api.Foreground)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	return r
}

// Start begins serving. It blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	tlsEnabled := s.certFile != "" && s.keyFile != ""
	if tlsEnabled {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if tlsEnabled {
			s.logger.Info("starting HTTPS status server", "addr", s.addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP status server", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down status server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("status server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
