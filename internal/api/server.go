package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/amaumene/sermonsync/internal/api/handlers"
	"github.com/amaumene/sermonsync/internal/api/middleware"
	"github.com/amaumene/sermonsync/internal/config"
	"github.com/amaumene/sermonsync/internal/controllers"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP server
type Server struct {
	server     *http.Server
	db         *models.Database
	remote     handlers.RemoteSummaries
	catalog    *controllers.CatalogController
	membership *controllers.MembershipController
	reconcile  *controllers.ReconcileController
	logger     *logrus.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, db *models.Database, remote handlers.RemoteSummaries, catalog *controllers.CatalogController, membership *controllers.MembershipController, reconcile *controllers.ReconcileController, logger *logrus.Logger) *Server {
	s := &Server{
		db:         db,
		remote:     remote,
		catalog:    catalog,
		membership: membership,
		reconcile:  reconcile,
		logger:     logger,
	}

	s.server = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // Multi-list pushes wait on list locks
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler wrapped in the logging middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return middleware.Logging(mux, s.logger)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health check
	mux.Handle("GET /health", handlers.NewHealthHandler(s.logger))

	// Status endpoint
	mux.Handle("GET /status", handlers.NewStatusHandler(s.db, s.remote, s.logger))

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	// Lists
	lists := handlers.NewListHandler(s.catalog, s.logger)
	mux.HandleFunc("POST /api/lists", lists.Create)
	mux.HandleFunc("POST /api/lists/import", lists.Import)
	mux.HandleFunc("PUT /api/lists/{id}", lists.Update)
	mux.HandleFunc("DELETE /api/lists/{id}", lists.Delete)

	// Sermons and memberships
	sermons := handlers.NewSermonHandler(s.catalog, s.membership, s.logger)
	mux.HandleFunc("POST /api/sermons", sermons.Create)
	mux.HandleFunc("PUT /api/sermons/{id}", sermons.Update)
	mux.HandleFunc("DELETE /api/sermons/{id}", sermons.Delete)
	mux.HandleFunc("POST /api/sermons/{id}/lists", sermons.AddToLists)
	mux.HandleFunc("DELETE /api/sermons/{id}/lists/{listID}", sermons.RemoveFromList)
	mux.HandleFunc("POST /api/sermons/{id}/lists/{listID}/unpublish", sermons.Unpublish)

	// Maintenance
	maintenance := handlers.NewMaintenanceHandler(s.reconcile, s.membership, s.logger)
	mux.HandleFunc("POST /api/reconcile", maintenance.Reconcile)
	mux.HandleFunc("POST /api/retry", maintenance.Retry)
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("port", s.server.Addr).Info("Starting HTTP server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
