package queue

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/jobledger/internal/idgen"
	"github.com/mbd888/jobledger/internal/validation"
)

// Handler provides HTTP endpoints for queue operations.
type Handler struct {
	queue  Queue
	logger *slog.Logger
}

// NewHandler creates a new queue handler.
func NewHandler(queue Queue, logger *slog.Logger) *Handler {
	return &Handler{queue: queue, logger: logger}
}

// RegisterRoutes sets up queue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/queue/jobs", h.Submit)
	r.POST("/queue/dequeue", h.Dequeue)
	r.DELETE("/queue/jobs/:jobId", h.Cancel)
	r.GET("/queue/jobs/:jobId/position", h.Position)
	r.GET("/queue/stats", h.Stats)
}

type submitRequest struct {
	JobID    string            `json:"jobId"`
	Tier     string            `json:"tier"`
	JobType  string            `json:"jobType"`
	Paid     bool              `json:"paid"`
	Admin    bool              `json:"admin"`
	Metadata map[string]string `json:"metadata"`
}

// Submit handles POST /queue/jobs
//
// The tier may be given explicitly or derived from jobType/paid/admin.
// A missing jobId gets a generated one.
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if req.JobID == "" {
		req.JobID = idgen.WithPrefix("job_")
	} else if !validation.IsValidReference(req.JobID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_job_id", "message": "job id must be at most 64 URL-safe characters"})
		return
	}

	tier := Tier(req.Tier)
	if req.Tier == "" {
		tier = DetermineTier(req.JobType, req.Paid, req.Admin)
	}
	if !tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "tier must be one of critical, high, normal, low"})
		return
	}

	if err := h.queue.Enqueue(c.Request.Context(), Job{ID: req.JobID, Tier: tier, Metadata: req.Metadata}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_error", "message": err.Error()})
		return
	}
	jobsEnqueued.WithLabelValues(string(tier)).Inc()

	h.logger.Info("job enqueued", "job_id", req.JobID, "tier", tier)
	c.JSON(http.StatusCreated, gin.H{"jobId": req.JobID, "tier": tier, "status": "queued"})
}

// Dequeue handles POST /queue/dequeue
//
// Returns 204 when the queue is empty so workers can poll cheaply.
func (h *Handler) Dequeue(c *gin.Context) {
	jobID, ok, err := h.queue.Dequeue(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dequeue_error", "message": err.Error()})
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	jobsDequeued.Inc()

	metadata, err := h.queue.Metadata(c.Request.Context(), jobID)
	if err != nil {
		// The job is already popped; hand it over without metadata rather
		// than losing it.
		h.logger.Error("metadata read failed after dequeue", "job_id", jobID, "error", err)
		metadata = nil
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "metadata": metadata})
}

// Cancel handles DELETE /queue/jobs/:jobId
func (h *Handler) Cancel(c *gin.Context) {
	jobID := c.Param("jobId")

	removed, err := h.queue.Remove(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove_error", "message": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
		return
	}
	jobsRemoved.Inc()

	h.logger.Info("job cancelled", "job_id", jobID)
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "status": "cancelled"})
}

// Position handles GET /queue/jobs/:jobId/position
func (h *Handler) Position(c *gin.Context) {
	jobID := c.Param("jobId")

	pos, ok, err := h.queue.Position(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "position_error", "message": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "position": pos})
}

// Stats handles GET /queue/stats
func (h *Handler) Stats(c *gin.Context) {
	total, err := h.queue.Len(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error", "message": err.Error()})
		return
	}
	byTier, err := h.queue.LenByTier(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error", "message": err.Error()})
		return
	}

	tiers := make(gin.H, len(byTier))
	for t, n := range byTier {
		tiers[string(t)] = n
		queueDepth.WithLabelValues(string(t)).Set(float64(n))
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "byTier": tiers})
}
