// Package server exposes the node pool's diagnostics over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"nodepool/pkg/log"
	"nodepool/pkg/metrics"
	"nodepool/pkg/netmon"
	"nodepool/pkg/router"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const shutdownTimeout = 10

// Server is the diagnostics API.
type Server struct {
	echo        *echo.Echo
	router      *router.Router
	monitor     *netmon.Manual
	metrics     *metrics.Metrics
	storagePath string
	version     string
	startedAt   time.Time
	routesOnce  sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithManualMonitor enables POST /epoch, which drives monitor by hand.
func WithManualMonitor(monitor *netmon.Manual) Option {
	return func(s *Server) { s.monitor = monitor }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStoragePath reports disk usage of the record store's directory.
func WithStoragePath(path string) Option {
	return func(s *Server) { s.storagePath = path }
}

// WithVersion sets the version reported by /host/info.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// NewServer creates a diagnostics server over r.
func NewServer(r *router.Router, opts ...Option) *Server {
	s := &Server{
		echo:      echo.New(),
		router:    r,
		version:   "dev",
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return s.echo
}

// Start serves on addr until SIGINT or SIGTERM, then shuts the HTTP server down.
func (s *Server) Start(addr string) error {
	s.routesOnce.Do(s.setupRoutes)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("version", s.version).
			Msg("Starting diagnostics server")

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-errCh:
		log.Error().Err(err).Msg("Server startup failed")
		return err
	}

	return s.Shutdown()
}

// Shutdown stops accepting requests and waits up to ten seconds for in-flight ones.
func (s *Server) Shutdown() error {
	log.Info().Msg("Shutting down diagnostics server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}

	log.Info().Msg("Diagnostics server stopped")
	return nil
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${status} ${method} ${uri} (${latency_human})\n",
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics"
		},
	}))
	s.echo.Use(middleware.Recover())

	s.echo.GET("/swagger.yml", s.serveSwaggerSpec)
	s.echo.GET("/pool/health", s.getPoolHealth)
	s.echo.GET("/pool/connections", s.getConnections)
	s.echo.GET("/nodes", s.listNodes)
	s.echo.POST("/nodes", s.addNode)
	s.echo.DELETE("/nodes/:endpoint", s.deleteNode)
	s.echo.GET("/prefixes", s.getPrefixes)
	s.echo.POST("/epoch", s.postEpoch)
	s.echo.GET("/host/info", s.getHostInfo)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

func errorJSON(ctx echo.Context, status int, message string) error {
	return ctx.JSON(status, map[string]string{"error": message})
}
