package jobs

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers job management routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/jobs")

	// Enqueue a job
	g.POST("", h.Enqueue)

	// List jobs with filters
	g.GET("", h.List)

	// Job counts by status
	g.GET("/stats", h.Stats)

	// Get a specific job
	g.GET("/:id", h.GetByID)

	// Cancel a job that has not started
	g.POST("/:id/cancel", h.Cancel)

	// Re-run a failed, dead or cancelled job
	g.POST("/:id/retry", h.Retry)

	// Per-queue counts
	e.GET("/api/queues", h.QueueStats)
}
