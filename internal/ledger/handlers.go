package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/jobledger/internal/logging"
	"github.com/mbd888/jobledger/internal/money"
	"github.com/mbd888/jobledger/internal/pagination"
	"github.com/mbd888/jobledger/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/ledger", h.GetHistory)
	r.POST("/credits", h.Credit)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reversals/:entryId", h.Reverse)
}

// GetBalance handles GET /users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID, _ := validation.ParseUserID(c.Param("id"))

	bal, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":      bal.UserID,
		"balance":     money.Format(bal.Balance),
		"ledgerCount": bal.LedgerCount,
		"updatedAt":   bal.UpdatedAt,
	})
}

// GetHistory handles GET /users/:id/ledger
//
// Query params: kind, refType, refId, limit (default 50, max 200),
// cursor (opaque, from a previous page).
func (h *Handler) GetHistory(c *gin.Context) {
	userID, _ := validation.ParseUserID(c.Param("id"))

	limit := 50
	if l, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && l > 0 {
		limit = l
	}
	if limit > 200 {
		limit = 200
	}

	f := Filter{
		Kind:    Kind(c.Query("kind")),
		RefType: c.Query("refType"),
		RefID:   c.Query("refId"),
		Limit:   limit + 1, // fetch one extra to detect has_more
	}
	if f.Kind != "" && !f.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind", "message": "unknown entry kind"})
		return
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	if cursor != nil {
		f.BeforeTime = cursor.CreatedAt
		f.BeforeID = cursor.ID
	}

	entries, err := h.ledger.History(c.Request.Context(), userID, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_error", "message": err.Error()})
		return
	}

	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, int64) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"entries":    entryViews(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

type creditRequest struct {
	UserID      int64  `json:"userId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	RefType     string `json:"refType"`
	RefID       string `json:"refId" binding:"required"`
	Description string `json:"description"`
}

// Credit handles POST /credits
//
// Called by the payment collaborator after verifying a payment. The refId
// must be unique per payment: redelivery of the same webhook is answered
// with already_processed instead of double-crediting.
func (h *Handler) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.Required("refId", req.RefID),
		validation.ValidReference("refId", req.RefID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	amount, ok := money.Parse(req.Amount)
	if !ok || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive decimal"})
		return
	}

	refType := req.RefType
	if refType == "" {
		refType = RefTypePayment
	}
	desc := validation.SanitizeString(req.Description, validation.MaxStringLength)

	id, err := h.ledger.Credit(c.Request.Context(), req.UserID, amount, refType, req.RefID, desc)
	switch {
	case errors.Is(err, ErrDuplicateReference):
		// Duplicate delivery: the credit already landed.
		c.JSON(http.StatusOK, gin.H{"status": "already_processed", "refId": req.RefID})
		return
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be non-zero"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credit_error", "message": err.Error()})
		return
	}

	logging.L(c.Request.Context()).Info("credit appended",
		"user_id", req.UserID,
		"amount", money.Format(amount),
		"ref_id", req.RefID,
	)
	c.JSON(http.StatusCreated, gin.H{"entryId": id, "status": "credited"})
}

// Reverse handles POST /admin/reversals/:entryId
func (h *Handler) Reverse(c *gin.Context) {
	entryID, err := strconv.ParseInt(c.Param("entryId"), 10, 64)
	if err != nil || entryID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entry_id", "message": "entry id must be a positive integer"})
		return
	}

	e, err := h.ledger.Reverse(c.Request.Context(), entryID)
	if errors.Is(err, ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reversal_error", "message": err.Error()})
		return
	}

	h.logger.Warn("ledger entry reversed",
		"entry_id", e.ID,
		"user_id", e.UserID,
		"amount", money.Format(e.Amount),
		"kind", e.Kind,
	)
	c.JSON(http.StatusOK, gin.H{"status": "reversed", "entry": entryView(e)})
}

func entryView(e *Entry) gin.H {
	return gin.H{
		"id":          e.ID,
		"userId":      e.UserID,
		"amount":      money.Format(e.Amount),
		"kind":        e.Kind,
		"refType":     e.RefType,
		"refId":       e.RefID,
		"description": e.Description,
		"createdAt":   e.CreatedAt,
	}
}

func entryViews(entries []*Entry) []gin.H {
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e))
	}
	return out
}
