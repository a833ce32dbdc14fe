// maintenance.go: POST /api/maintenance/reconcile.
package handlers

import (
	"net/http"

	apierrors "github.com/BrettSwaim/skylight-photos/internal/api/errors"
	"github.com/BrettSwaim/skylight-photos/internal/service"
)

// ReconcileRunner runs one reconcile pass.
type ReconcileRunner interface {
	// RunOnce returns the report, or skipped=true when a pass is already running.
	RunOnce() (report *service.ReconcileReport, skipped bool)
}

// MaintenanceHandler serves maintenance endpoints.
type MaintenanceHandler struct {
	reconciler ReconcileRunner
}

// NewMaintenanceHandler creates the handler.
func NewMaintenanceHandler(reconciler ReconcileRunner) *MaintenanceHandler {
	return &MaintenanceHandler{reconciler: reconciler}
}

// Reconcile runs a pass synchronously and returns its report.
// 409 RECONCILE_IN_PROGRESS when one is already running.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, _ *http.Request) {
	report, skipped := h.reconciler.RunOnce()
	if skipped {
		apierrors.ReconcileInProgress(w, "Reconcile is already running")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
