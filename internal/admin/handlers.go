// Package admin provides admin-only endpoints for auditing and resolving
// stuck financial states.
package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/jobledger/internal/reconciliation"
)

// ReconciliationRunner runs a full cache-vs-journal audit.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// HoldSweeper force-releases expired holds.
type HoldSweeper interface {
	ReleaseExpired(ctx context.Context, limit int) (int, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler ReconciliationRunner
	sweeper    HoldSweeper
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithReconciler sets the reconciliation runner for on-demand audits.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithSweeper sets the hold sweeper for force-release operations.
func (h *Handler) WithSweeper(s HoldSweeper) *Handler {
	h.sweeper = s
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconcile", h.runReconciliation)
	r.POST("/holds/force-release", h.forceReleaseHolds)
}

// runReconciliation runs an on-demand cache-vs-journal audit.
func (h *Handler) runReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report":  report,
		"healthy": len(report.Drifts) == 0 && len(report.OrphanedHolds) == 0,
	})
}

// forceReleaseHolds sweeps expired holds immediately instead of waiting
// for the next timer tick.
func (h *Handler) forceReleaseHolds(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hold sweeper not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	released, err := h.sweeper.ReleaseExpired(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "force release failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"releasedCount": released})
}
