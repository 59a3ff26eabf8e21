package reservation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/jobledger/internal/costcontrol"
	"github.com/mbd888/jobledger/internal/money"
	"github.com/mbd888/jobledger/internal/validation"
)

// Handler provides HTTP endpoints for the hold lifecycle.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler creates a new reservation handler.
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes sets up reservation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reservations", h.Reserve)
	r.POST("/reservations/:refId/settle", h.Settle)
	r.POST("/reservations/:refId/refund", h.Refund)
}

// RegisterAdminRoutes sets up admin-only reservation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reservations/open", h.Open)
}

type reserveRequest struct {
	UserID int64  `json:"userId" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	RefID  string `json:"refId"`
}

// Reserve handles POST /reservations
func (h *Handler) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidReference("refId", req.RefID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	amount, ok := money.Parse(req.Amount)
	if !ok || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive decimal"})
		return
	}

	refID, err := h.manager.Reserve(c.Request.Context(), req.UserID, amount, req.RefID)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance"})
		return
	case errors.Is(err, costcontrol.ErrBelowMinBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "below_min_balance", "message": err.Error()})
		return
	case errors.Is(err, costcontrol.ErrDailyCapExceeded), errors.Is(err, costcontrol.ErrHourlyCapExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "cap_exceeded", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reserve_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"refId":     refID,
		"amount":    money.Format(amount),
		"status":    "reserved",
		"expiresAt": time.Now().Add(h.manager.TTL()),
	})
}

type settleRequest struct {
	UserID       int64  `json:"userId" binding:"required"`
	ActualAmount string `json:"actualAmount" binding:"required"`
	JobID        string `json:"jobId"`
}

// Settle handles POST /reservations/:refId/settle
//
// actualAmount must be stated explicitly. "0.00" is valid (the job
// consumed nothing); the whole hold comes back as a reconciliation
// credit.
func (h *Handler) Settle(c *gin.Context) {
	refID := c.Param("refId")
	if !validation.IsValidReference(refID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ref_id"})
		return
	}

	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.ValidReference("jobId", req.JobID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	actual, ok := money.Parse(req.ActualAmount)
	if !ok || actual < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "actualAmount must be a non-negative decimal"})
		return
	}

	err := h.manager.Settle(c.Request.Context(), req.UserID, refID, actual, req.JobID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "reservation_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settle_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refId": refID, "status": "settled"})
}

type refundRequest struct {
	UserID int64  `json:"userId" binding:"required"`
	Reason string `json:"reason"`
}

// Refund handles POST /reservations/:refId/refund
func (h *Handler) Refund(c *gin.Context) {
	refID := c.Param("refId")
	if !validation.IsValidReference(refID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ref_id"})
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if reason == "" {
		reason = "caller refund"
	}

	amount, err := h.manager.Refund(c.Request.Context(), req.UserID, refID, reason)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "reservation_not_found"})
		return
	case errors.Is(err, ErrAlreadyRefunded):
		c.JSON(http.StatusOK, gin.H{"refId": refID, "status": "already_refunded"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refund_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refId": refID, "amount": money.Format(amount), "status": "refunded"})
}

// Open handles GET /admin/reservations/open
//
// Query params: olderThanMinutes (default 0, meaning all open holds),
// limit (default 100).
func (h *Handler) Open(c *gin.Context) {
	olderThan := 0
	if v, err := strconv.Atoi(c.DefaultQuery("olderThanMinutes", "0")); err == nil && v >= 0 {
		olderThan = v
	}
	limit := 100
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}

	before := time.Now().Add(-time.Duration(olderThan) * time.Minute)
	holds, err := h.manager.Open(c.Request.Context(), before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_error", "message": err.Error()})
		return
	}

	views := make([]gin.H, 0, len(holds))
	for _, hold := range holds {
		views = append(views, gin.H{
			"refId":     hold.RefID,
			"userId":    hold.UserID,
			"amount":    money.Format(-hold.Amount),
			"heldSince": hold.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"reservations": views, "count": len(views)})
}
