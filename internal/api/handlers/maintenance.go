package handlers

import (
	"context"
	"net/http"

	"github.com/amaumene/sermonsync/internal/controllers"
	"github.com/sirupsen/logrus"
)

// Reconciler repairs derived state
type Reconciler interface {
	Reconcile(ctx context.Context) (*controllers.ReconcileReport, error)
}

// Retrier pushes failed memberships again
type Retrier interface {
	RetryFailed(ctx context.Context) (retried, failed int, err error)
}

// MaintenanceHandler triggers the jobs the scheduler otherwise runs
type MaintenanceHandler struct {
	reconciler Reconciler
	retrier    Retrier
	logger     *logrus.Logger
}

// NewMaintenanceHandler creates a new maintenance handler
func NewMaintenanceHandler(reconciler Reconciler, retrier Retrier, logger *logrus.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		reconciler: reconciler,
		retrier:    retrier,
		logger:     logger,
	}
}

// Reconcile handles POST /api/reconcile
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type retryResponse struct {
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// Retry handles POST /api/retry
func (h *MaintenanceHandler) Retry(w http.ResponseWriter, r *http.Request) {
	retried, failed, err := h.retrier.RetryFailed(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{Retried: retried, Failed: failed})
}
