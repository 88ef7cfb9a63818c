package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/photoloom/internal/api/middleware"
	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/pipeline"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// JobController is the part of the pipeline manager the job endpoints use.
type JobController interface {
	Start(ctx context.Context, directory, collection string) (string, error)
	Status(id string) (domain.JobStatusView, error)
	List() []domain.JobStatusView
	Cancel(id string) error
	History(ctx context.Context, limit int) ([]domain.JobRecord, error)
}

// JobHandler handles ingestion job endpoints.
type JobHandler struct {
	jobs JobController
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - jobs: job controller, usually *pipeline.Manager.
//
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(jobs JobController) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// IngestRequest represents the ingest API request.
type IngestRequest struct {
	Directory  string `json:"directory" binding:"required"`
	Collection string `json:"collection" binding:"required"`
}

// Ingest handles POST /api/v1/ingest.
func (h *JobHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	id, err := h.jobs.Start(c.Request.Context(), req.Directory, req.Collection)
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, pipeline.ErrCollectionBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		middleware.GetLogger(c).WithError(err).Error("Failed to start ingest job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	middleware.GetLogger(c).WithField("job_id", id).Infof("Ingest job started for %s", req.Collection)
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     id,
		"status":     domain.JobStatusPending,
		"collection": req.Collection,
	})
}

// ListJobs handles GET /api/v1/jobs.
func (h *JobHandler) ListJobs(c *gin.Context) {
	jobs := h.jobs.List()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob handles GET /api/v1/jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	view, err := h.jobs.Status(c.Param("id"))
	if err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CancelJob handles POST /api/v1/jobs/:id/cancel.
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.jobs.Cancel(id); err != nil {
		writeJobError(c, err)
		return
	}
	view, err := h.jobs.Status(id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// History handles GET /api/v1/jobs/history.
func (h *JobHandler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.jobs.History(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job history: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  records,
		"total": len(records),
	})
}

func writeJobError(c *gin.Context, err error) {
	if errors.Is(err, pipeline.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
