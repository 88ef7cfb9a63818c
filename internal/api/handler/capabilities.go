package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/photoloom/internal/domain"
)

// PlanProvider derives the batch plan the next job would run with.
type PlanProvider interface {
	Plan(ctx context.Context) domain.BatchPlan
}

// CapabilitiesHandler exposes the negotiated batch plan.
type CapabilitiesHandler struct {
	planner PlanProvider
}

// NewCapabilitiesHandler creates a new capabilities handler.
func NewCapabilitiesHandler(planner PlanProvider) *CapabilitiesHandler {
	return &CapabilitiesHandler{planner: planner}
}

// GetCapabilities handles GET /api/v1/capabilities.
func (h *CapabilitiesHandler) GetCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, h.planner.Plan(c.Request.Context()))
}
