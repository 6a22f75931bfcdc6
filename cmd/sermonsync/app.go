package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/amaumene/sermonsync/internal/config"
	"github.com/amaumene/sermonsync/internal/controllers"
	"github.com/amaumene/sermonsync/internal/events"
	"github.com/amaumene/sermonsync/internal/listlock"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/overflow"
	"github.com/amaumene/sermonsync/internal/services/listhost"
	"github.com/amaumene/sermonsync/internal/utils"
	"github.com/sirupsen/logrus"
)

// app holds the wired components shared by every command
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	db     *models.Database
	bus    *events.Bus
	remote *listhost.Client

	catalog    *controllers.CatalogController
	membership *controllers.MembershipController
	reconcile  *controllers.ReconcileController
}

// newApp loads configuration and wires the database, event bus and
// controllers. The bus is not started.
func newApp() (*app, error) {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Setup logger
	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.WithField("config_dir", filepath.Dir(cfg.DatabaseFile)).Info("Configuration loaded")

	// 3. Initialize database
	db, err := models.NewDatabase(cfg.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("Database initialized")

	// 4. Initialize list host client
	remote, err := listhost.NewClient(cfg, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize list host client: %w", err)
	}
	logger.Info("List host client initialized")

	// 5. Wire the replica engine onto the event bus
	bus := events.NewBus(cfg.EventWorkers, cfg.EventMaxAttempts, logger)
	db.SetPublisher(bus)

	mutator := listlock.NewMutator(db, cfg, logger)
	resolver := overflow.NewResolver(remote, db, logger)
	replicas := controllers.NewReplicaController(db, resolver, mutator, cfg.ListMaxCapacity, logger)
	if err := replicas.Register(bus); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register replica handlers: %w", err)
	}

	// 6. Initialize controllers
	a := &app{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		bus:        bus,
		remote:     remote,
		catalog:    controllers.NewCatalogController(db, remote, cfg.ListMaxCapacity, logger),
		membership: controllers.NewMembershipController(db, resolver, mutator, logger),
		reconcile:  controllers.NewReconcileController(db, resolver, mutator, bus, logger),
	}
	logger.Info("Controllers initialized")

	return a, nil
}

// close drains the bus and closes the database
func (a *app) close() {
	a.bus.Stop()
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Failed to close database")
	}
}

// drain waits for every queued change event to be handled
func (a *app) drain(ctx context.Context) error {
	if err := a.bus.Wait(ctx); err != nil {
		return fmt.Errorf("failed waiting for event handlers: %w", err)
	}
	return nil
}
