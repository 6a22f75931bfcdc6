package scheduler

import (
	"context"
	"fmt"

	"github.com/amaumene/sermonsync/internal/controllers"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Retrier pushes failed memberships again
type Retrier interface {
	RetryFailed(ctx context.Context) (retried, failed int, err error)
}

// Reconciler repairs derived counters and replicas
type Reconciler interface {
	Reconcile(ctx context.Context) (*controllers.ReconcileReport, error)
}

// Scheduler manages scheduled tasks
type Scheduler struct {
	cron          *cron.Cron
	retrier       Retrier
	reconciler    Reconciler
	retrySpec     string
	reconcileSpec string
	ctx           context.Context
	logger        *logrus.Logger
}

// NewScheduler creates a new scheduler. A job whose previous run is still
// going is skipped.
func NewScheduler(retrier Retrier, reconciler Reconciler, retrySpec, reconcileSpec string, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron:          cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		retrier:       retrier,
		reconciler:    reconciler,
		retrySpec:     retrySpec,
		reconcileSpec: reconcileSpec,
		ctx:           context.Background(),
		logger:        logger,
	}
}

// Start registers the jobs and starts the scheduler. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler")
	s.ctx = ctx

	// Push ERROR memberships again (default every 15 minutes)
	if _, err := s.cron.AddFunc(s.retrySpec, s.runRetry); err != nil {
		return fmt.Errorf("failed to add retry job: %w", err)
	}

	// Repair counters and replicas (default hourly)
	if _, err := s.cron.AddFunc(s.reconcileSpec, s.runReconcile); err != nil {
		return fmt.Errorf("failed to add reconcile job: %w", err)
	}

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"retry":     s.retrySpec,
		"reconcile": s.reconcileSpec,
	}).Info("Scheduler started")

	// Catch up on whatever drifted while stopped
	go s.runReconcile()

	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
}

// runRetry executes the retry job
func (s *Scheduler) runRetry() {
	s.logger.Debug("Running scheduled retry of failed pushes")

	retried, failed, err := s.retrier.RetryFailed(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("Retry job failed")
		return
	}
	if retried > 0 {
		s.logger.WithFields(logrus.Fields{
			"retried": retried,
			"failed":  failed,
		}).Info("Retry job completed")
	}
}

// runReconcile executes the reconcile job
func (s *Scheduler) runReconcile() {
	s.logger.Info("Running scheduled reconciliation")

	if _, err := s.reconciler.Reconcile(s.ctx); err != nil {
		s.logger.WithError(err).Error("Reconcile job failed")
		return
	}
	s.logger.Info("Reconcile job completed successfully")
}
