package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/gopost/internal/dedup"
	"github.com/jonesrussell/gopost/internal/domain"
	"github.com/jonesrussell/gopost/internal/logger"
	"github.com/jonesrussell/gopost/internal/review"
)

// enqueueRequest is the payload the content-generation collaborator
// posts to hand a draft to the pipeline.
type enqueueRequest struct {
	Platform     string     `binding:"required" json:"platform"`
	Body         string     `binding:"required" json:"body"`
	MediaURL     *string    `json:"media_url,omitempty"`
	VariantGroup *string    `json:"variant_group,omitempty"`
	EventTime    *time.Time `json:"event_time,omitempty"`
}

func (r *Router) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if r.cfg.Platform(req.Platform) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform: " + req.Platform})
		return
	}

	item, err := domain.NewContentItem(req.Platform, req.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item.MediaURL = req.MediaURL
	item.VariantGroup = req.VariantGroup
	item.EventTime = req.EventTime
	item.Fingerprint = dedup.Fingerprint(req.Platform, req.Body)

	if err := r.repo.Enqueue(c.Request.Context(), item); err != nil {
		r.logger.Error("failed to enqueue content", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue content"})
		return
	}

	c.JSON(http.StatusCreated, item)
}

func (r *Router) handleList(c *gin.Context) {
	status := domain.Status(c.DefaultQuery("status", string(domain.StatusScheduled)))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + string(status)})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = parsed
	}

	items, err := r.repo.ListByStatus(c.Request.Context(), c.Query("platform"), status, limit)
	if err != nil {
		r.logger.Error("failed to list content", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list content"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (r *Router) handleGet(c *gin.Context) {
	id := c.Param("id")

	item, err := r.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "content item not found"})
		return
	}
	if err != nil {
		r.logger.Error("failed to load content item", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load content item"})
		return
	}

	trail, err := r.repo.AuditTrail(c.Request.Context(), id)
	if err != nil {
		r.logger.Error("failed to load audit trail", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit trail"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"item": item, "audit": trail})
}

func (r *Router) handleApprove(c *gin.Context) {
	r.resolveReview(c, review.OutcomeApproved)
}

func (r *Router) handleReject(c *gin.Context) {
	r.resolveReview(c, review.OutcomeRejected)
}

func (r *Router) resolveReview(c *gin.Context, outcome string) {
	id := c.Param("id")

	err := r.repo.SetReviewOutcome(c.Request.Context(), id, outcome)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "item is not awaiting review or already decided",
		})
		return
	}
	if err != nil {
		r.logger.Error("failed to record review decision", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record review decision"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "outcome": outcome})
}

func (r *Router) handleStats(c *gin.Context) {
	stats, err := r.repo.Stats(c.Request.Context())
	if err != nil {
		r.logger.Error("failed to load stats", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	running := false
	if r.runner != nil {
		running = r.runner.IsRunning()
	}

	c.JSON(http.StatusOK, gin.H{
		"pool":    stats,
		"running": running,
	})
}

func (r *Router) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := healthStatusHealthy
	checks := gin.H{}

	if err := r.repo.Ping(ctx); err != nil {
		status = healthStatusDegraded
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	if err := r.redisClient.Ping(ctx).Err(); err != nil {
		status = healthStatusDegraded
		checks["redis"] = err.Error()
	} else {
		checks["redis"] = "ok"
	}

	code := http.StatusOK
	if status != healthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}
