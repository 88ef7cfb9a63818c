package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/photoloom/internal/api/handler"
	"github.com/timmy/photoloom/internal/api/middleware"
	"github.com/timmy/photoloom/internal/config"
)

// Handlers groups the endpoint handlers the router mounts.
type Handlers struct {
	Health       *handler.HealthHandler
	Jobs         *handler.JobHandler
	Collections  *handler.CollectionHandler
	Capabilities *handler.CapabilitiesHandler
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(h Handlers, server config.ServerConfig) *gin.Engine {
	switch server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(server.CORS))

	r.GET("/health", h.Health.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/ingest", h.Jobs.Ingest)

		// Jobs
		v1.GET("/jobs", h.Jobs.ListJobs)
		v1.GET("/jobs/history", h.Jobs.History)
		v1.GET("/jobs/:id", h.Jobs.GetJob)
		v1.POST("/jobs/:id/cancel", h.Jobs.CancelJob)

		v1.GET("/capabilities", h.Capabilities.GetCapabilities)

		// Collections
		v1.GET("/collections/:name", h.Collections.GetCollection)
		v1.DELETE("/collections/:name", h.Collections.DeleteCollection)
	}

	return r
}
