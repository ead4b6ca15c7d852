package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/receipthq/reconcile/internal/api/handlers"
	"github.com/receipthq/reconcile/internal/api/middleware"
	"github.com/receipthq/reconcile/internal/application/service"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// Config holds API server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults for the API server.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
	}
}

// Server is the HTTP API server.
type Server struct {
	config      Config
	router      chi.Router
	httpServer  *http.Server
	logger      *slog.Logger
	repo        storage.Repository
	decider     handlers.Decider
	ingestor    handlers.Ingestor
	syncService *service.SyncService
}

// NewServer creates a new API server.
// If syncService is nil, sync endpoints will not be available.
func NewServer(
	cfg Config,
	repo storage.Repository,
	decider handlers.Decider,
	ingestor handlers.Ingestor,
	syncService *service.SyncService,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:      cfg,
		router:      chi.NewRouter(),
		logger:      logger,
		repo:        repo,
		decider:     decider,
		ingestor:    ingestor,
		syncService: syncService,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures global middleware.
func (s *Server) setupMiddleware() {
	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowedOrigins = s.config.AllowedOrigins
	s.router.Use(middleware.CORS(corsConfig))
	s.router.Use(middleware.Logging(s.logger))
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check (no /api prefix - for load balancers)
	healthHandler := handlers.NewHealthHandler()
	s.router.Get("/health", healthHandler.ServeHTTP)

	s.router.Route("/api", func(r chi.Router) {
		// Transactions and match decisions
		txHandler := handlers.NewTransactionsHandler(s.repo, s.decider)
		r.Get("/transactions", txHandler.List)
		r.Get("/transactions/{id}", txHandler.Get)
		r.Post("/transactions/{id}/confirm", txHandler.Confirm)
		r.Post("/transactions/{id}/reject", txHandler.Reject)
		r.Delete("/transactions/{id}/match", txHandler.Unlink)

		// Receipts
		receiptsHandler := handlers.NewReceiptsHandler(s.repo, s.ingestor)
		r.Get("/receipts", receiptsHandler.List)
		r.Post("/receipts", receiptsHandler.Upload)
		r.Get("/receipts/{id}", receiptsHandler.Get)
		r.Post("/receipts/{id}/extraction", receiptsHandler.Extraction)

		// Stats
		statsHandler := handlers.NewStatsHandler(s.repo)
		r.Get("/stats", statsHandler.Get)

		// Sync operations (live sync jobs)
		if s.syncService != nil {
			syncHandler := handlers.NewSyncHandler(s.repo, s.syncService)
			r.Post("/sync", syncHandler.StartSync)
			r.Get("/sync/active", syncHandler.ListActive)
			r.Get("/sync/runs", syncHandler.ListRuns)
			r.Get("/sync/{jobId}", syncHandler.GetStatus)
			r.Delete("/sync/{jobId}", syncHandler.Cancel)
		}
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")

	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}
