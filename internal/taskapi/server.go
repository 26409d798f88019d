package taskapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
)

// ServerConfig configures the echo server wrapping the Registry.
type ServerConfig struct {
	Addr          string
	UnixSock      string // overrides Addr when set
	JWTSigningKey string // empty disables authentication
	Metrics       HTTPMetricsRecorder

	// MetricsHandler, if set, is exposed at GET /metrics for Prometheus
	// scraping. Typically (*metrics.PrometheusExporter).Handler().
	MetricsHandler http.Handler
}

// Server is the HTTP control surface: an echo server exposing the task
// execution core's external operations over the route table of §4.K.
type Server struct {
	echo     *echo.Echo
	registry *Registry
	addr     string
	unixSock string
}

// NewServer builds a Server backed by registry, not yet listening.
func NewServer(registry *Registry, cfg ServerConfig) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(PrometheusMetrics(cfg.Metrics))
	e.Use(JWTAuth(cfg.JWTSigningKey))

	NewHandlers(registry).Register(e)

	if cfg.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.MetricsHandler))
	}

	return &Server{echo: e, registry: registry, addr: cfg.Addr, unixSock: cfg.UnixSock}
}

// Start runs the server, blocking until it stops or fails. Use Shutdown
// from another goroutine for a graceful stop. If UnixSock was set on the
// ServerConfig, it takes priority over Addr.
func (s *Server) Start() error {
	if s.unixSock != "" {
		_ = os.Remove(s.unixSock)
		l, err := net.Listen("unix", s.unixSock)
		if err != nil {
			return errors.Wrapf(err, "taskapi: failed to listen on unix socket %s", s.unixSock)
		}
		s.echo.Listener = l
	}
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and the registry's background sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.Close()
	if err := s.echo.Shutdown(ctx); err != nil {
		slog.Error("taskapi: server shutdown did not complete cleanly", "error", err)
		return err
	}
	return nil
}
