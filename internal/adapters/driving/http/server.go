package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driving"
)

// Pinger is a simple health check interface
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     chi.Router
	version    string
	logger     *slog.Logger

	accounts  driving.AccountService
	providers driven.ProviderRegistry
	tokens    driven.AdminTokens

	// Infrastructure
	store Pinger // backend health check (optional)
}

// Config holds server configuration
type Config struct {
	Addr           string
	Version        string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:    "0.0.0.0:8080",
		Version: "dev",
	}
}

// NewServer creates a new HTTP server
func NewServer(
	cfg Config,
	accounts driving.AccountService,
	providers driven.ProviderRegistry,
	tokens driven.AdminTokens,
	store Pinger, // can be nil
) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		version:   cfg.Version,
		logger:    logger,
		accounts:  accounts,
		providers: providers,
		tokens:    tokens,
		store:     store,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		// Connect and refresh wait on the provider.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.setupRoutes(cfg.AllowedOrigins)
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(allowedOrigins []string) {
	s.router.Use(middleware.RequestID)
	s.router.Use(recoverer(s.logger))
	s.router.Use(accessLog(s.logger))
	if len(allowedOrigins) > 0 {
		s.router.Use(cors(allowedOrigins))
	}

	// Health endpoints (no auth)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/api/v1/providers", func(r chi.Router) {
		r.Use(requireAdmin(s.tokens))

		r.Get("/", s.handleListProviders)
		r.Route("/{provider}", func(r chi.Router) {
			r.Get("/state", s.handleProviderState)
			r.Get("/accounts", s.handleListAccounts)
			r.Delete("/accounts", s.handleDisconnectAll)
			r.Route("/accounts/{user}", func(r chi.Router) {
				r.Delete("/", s.handleDisconnect)
				r.Post("/active", s.handleSetActive)
				r.Post("/permission-error", s.handlePermissionError)
				r.Post("/refresh", s.handleRefresh)
			})
		})
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
