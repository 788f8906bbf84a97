package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rickgao/signalfeed/internal/config"
	"github.com/rickgao/signalfeed/internal/connection"
	"github.com/rickgao/signalfeed/internal/feed"
	"github.com/rickgao/signalfeed/internal/metrics"
)

const defaultShutdownTimeout = 10 * time.Second

// Connection is the part of connection.Manager the API drives.
type Connection interface {
	Connect(address string) error
	Disconnect()
	Info() connection.Info
}

// Server wraps an Echo instance serving the status API.
type Server struct {
	cfg    config.HTTPConfig
	echo   *echo.Echo
	http   *http.Server
	conn   Connection
	feed   *feed.Feed
	logger *slog.Logger
}

// New builds the server and registers its routes. rec may be nil, in which
// case /metrics is not served.
func New(cfg config.HTTPConfig, conn Connection, f *feed.Feed, rec *metrics.Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		cfg:  cfg,
		echo: e,
		http: &http.Server{
			Addr:         cfg.Addr,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		conn:   conn,
		feed:   f,
		logger: logger,
	}

	e.Use(recoverer(logger))
	e.Use(requestLogging(logger))
	if rec != nil {
		e.Use(instrument(rec))
		e.GET("/metrics", echo.WrapHandler(rec.Handler()))
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.health)

	g := s.echo.Group("/api")
	g.GET("/connection", s.connectionInfo)
	g.PUT("/connection", s.connect)
	g.DELETE("/connection", s.disconnect)
	g.GET("/signals", s.signals)
	g.DELETE("/signals", s.clearSignals)
	g.GET("/signals/export", s.export)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errCh <- s.echo.StartServer(s.http)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("stopped")
	return nil
}
