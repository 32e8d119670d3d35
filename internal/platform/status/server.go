// Package status serves a small read-only HTTP API describing a running
// load, for dashboards and orchestrators that poll it.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/claimloader/internal/platform/middleware"
)

// SnapshotFunc returns the current progress document.
type SnapshotFunc func() interface{}

// Server exposes GET /health and GET /status.
type Server struct {
	e        *echo.Echo
	addr     string
	snapshot SnapshotFunc
	logger   zerolog.Logger
	done     chan error
}

// Option customises a Server.
type Option func(*Server)

// WithRoute adds an extra GET endpoint, such as a database health check.
func WithRoute(path string, h echo.HandlerFunc) Option {
	return func(s *Server) {
		s.e.GET(path, h)
	}
}

// New builds a server for addr; it does not listen until Start.
func New(addr string, snapshot SnapshotFunc, logger zerolog.Logger, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger = logger.With().Str("component", "status").Logger()
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())

	s := &Server{e: e, addr: addr, snapshot: snapshot, logger: logger}
	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.e.Listener = ln
	s.done = make(chan error, 1)
	go func() {
		err := s.e.Start("")
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status server started")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.e.Listener == nil {
		return s.addr
	}
	return s.e.Listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	if err := s.e.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	if err := <-s.done; err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	s.logger.Info().Msg("status server stopped")
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	if s.snapshot == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no run in progress")
	}
	return c.JSON(http.StatusOK, s.snapshot())
}
