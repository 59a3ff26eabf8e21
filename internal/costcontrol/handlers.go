package costcontrol

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/jobledger/internal/money"
	"github.com/mbd888/jobledger/internal/validation"
)

// Handler exposes spending stats.
type Handler struct {
	controller *Controller
}

// NewHandler creates a new cost control handler.
func NewHandler(controller *Controller) *Handler {
	return &Handler{controller: controller}
}

// RegisterRoutes sets up cost control routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/spending", h.Spending)
}

// Spending handles GET /users/:id/spending
func (h *Handler) Spending(c *gin.Context) {
	userID, _ := validation.ParseUserID(c.Param("id"))

	stats, err := h.controller.SpendingStats(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":          userID,
		"balance":         money.Format(stats.Balance),
		"hourlySpent":     money.Format(stats.HourlySpent),
		"dailySpent":      money.Format(stats.DailySpent),
		"hourlyLimit":     money.Format(stats.HourlyLimit),
		"dailyLimit":      money.Format(stats.DailyLimit),
		"hourlyRemaining": money.Format(stats.HourlyRemaining),
		"dailyRemaining":  money.Format(stats.DailyRemaining),
	})
}
