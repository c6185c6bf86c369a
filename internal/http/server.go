// Package http provides the HTTP server of the runtime API.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/feedrelay/internal/config"
	"github.com/jmylchreest/feedrelay/internal/http/middleware"
	"github.com/jmylchreest/feedrelay/internal/observability"
)

const defaultIdleTimeout = 120 * time.Second

// Registrar registers operations on a Huma API.
type Registrar interface {
	Register(api huma.API)
}

// Server represents the HTTP server.
type Server struct {
	config config.ServerConfig
	router *chi.Mux
	api    huma.API
	logger *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new HTTP server. The version is published in the
// OpenAPI document.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	logger = observability.WithComponent(logger, "http")

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.CORSOrigins...))

	humaConfig := huma.DefaultConfig("feedrelay API", version)
	humaConfig.Info.Description = "Runtime status and control of video feed pipelines"

	return &Server{
		config: cfg,
		router: router,
		api:    humachi.New(router, humaConfig),
		logger: logger,
	}
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the Chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Register registers every handler on the API.
func (s *Server) Register(handlers ...Registrar) {
	for _, h := range handlers {
		h.Register(s.api)
	}
}

// Handle mounts a plain handler, such as the metrics endpoint.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.router.Handle(pattern, h)
}

// Addr returns the bound address once the server is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	srv, ln, err := s.listen()
	if err != nil {
		return err
	}
	return s.serve(srv, ln)
}

func (s *Server) listen() (*http.Server, net.Listener, error) {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()
	return srv, ln, nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) error {
	s.logger.Info("starting HTTP server", slog.String("address", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server", slog.Duration("timeout", s.config.ShutdownTimeout))

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv, ln, err := s.listen()
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.serve(srv, ln)
	}()

	select {
	case <-ctx.Done():
		if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		return <-errChan
	case err := <-errChan:
		return err
	}
}
