// Package server exposes the gateway's GraphQL endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"gateway/internal/gateway/tracing"
	"gateway/internal/validator"
)

// Config holds the HTTP listener settings.
type Config struct {
	Port              int           `env:"HTTP_PORT" envDefault:"4000"`
	Path              string        `env:"GRAPHQL_PATH" envDefault:"/graphql"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// RateLimit is the number of requests allowed per client IP and window.
	// Zero disables limiting.
	RateLimit       int           `env:"HTTP_RATE_LIMIT" envDefault:"600"`
	RateLimitWindow time.Duration `env:"HTTP_RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Server runs the GraphQL HTTP listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
	cfg    Config
}

// NewRouter mounts handler at cfg.Path behind the ingress middleware. A nil
// tracer disables request spans.
func NewRouter(cfg Config, handler http.Handler, tracer *tracing.Tracer, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	if tracer != nil {
		r.Use(Tracing("gateway", tracer.Provider()))
	}
	r.Use(Logging(logger))
	if cfg.RateLimit > 0 {
		r.Use(RateLimit(cfg.RateLimit, cfg.RateLimitWindow))
	}

	path := cfg.Path
	if path == "" {
		path = "/graphql"
	}
	r.Handle(path, handler)
	return r
}

// New creates the HTTP server for handler.
func New(cfg Config, handler http.Handler, tracer *tracing.Tracer, logger *zap.Logger) (*Server, error) {
	if err := validator.Validate("server", handler, logger); err != nil {
		return nil, fmt.Errorf("failed to validate server deps: %w", err)
	}

	s := &Server{
		logger: logger.Named("http-server"),
		cfg:    cfg,
	}
	if s.cfg.ShutdownTimeout <= 0 {
		s.cfg.ShutdownTimeout = 10 * time.Second
	}

	// no write timeout: subscriptions hold their connection open
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(cfg, handler, tracer, s.logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	return s, nil
}

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting graphql server", zap.String("addr", s.server.Addr), zap.String("path", s.cfg.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("graphql server failed: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop gracefully stops the server. Hijacked WebSocket connections are not
// tracked by Shutdown and must be closed by their handler.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping graphql server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to gracefully shutdown graphql server", zap.Error(err))
		return err
	}

	s.logger.Info("graphql server stopped")
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
