package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amaumene/sermonsync/internal/api"
	"github.com/amaumene/sermonsync/internal/scheduler"
	"github.com/amaumene/sermonsync/internal/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the replica engine and the scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	logger.Info("Starting sermonsync")

	// Spans for list host calls; logs go to stdout, spans to stderr
	tp, err := telemetry.NewTracerProvider(a.cfg.TraceExporter, a.cfg.TraceSampleRatio, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	otel.SetTracerProvider(tp)
	logger.WithField("exporter", a.cfg.TraceExporter).Info("Tracing initialized")
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracer provider")
		}
	}()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a.bus.Start(ctx)

	// Initialize scheduler
	sched := scheduler.NewScheduler(a.membership, a.reconcile, a.cfg.RetryCron, a.cfg.ReconcileCron, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	// Initialize HTTP server
	server := api.NewServer(a.cfg, a.db, a.remote, a.catalog, a.membership, a.reconcile, logger)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			serverErrChan <- err
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("sermonsync is running")

	select {
	case err := <-serverErrChan:
		return err
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
	case <-parent.Done():
	}

	if err := server.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Error during server shutdown")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := a.drain(drainCtx); err != nil {
		logger.WithError(err).Warn("Stopping with change events still queued")
	}
	cancel()

	logger.Info("sermonsync stopped")
	return nil
}
