package jobs

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/conveyorhq/conveyor/internal/backend"
	"github.com/conveyorhq/conveyor/pkg/apperror"
)

// Handler handles HTTP requests for jobs
type Handler struct {
	svc *Service
}

// NewHandler creates a new jobs handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Enqueue handles POST /api/jobs
func (h *Handler) Enqueue(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("Invalid request body")
	}

	job, err := h.svc.Enqueue(c.Request().Context(), &req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, JobResponse{Data: job})
}

// List handles GET /api/jobs
func (h *Handler) List(c echo.Context) error {
	params := backend.ListParams{
		Queue:  c.QueryParam("queue"),
		Kind:   c.QueryParam("kind"),
		Status: c.QueryParam("status"),
	}

	if limitStr := c.QueryParam("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			params.Limit = l
		}
	}

	if offsetStr := c.QueryParam("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil {
			params.Offset = o
		}
	}

	jobs, total, err := h.svc.List(c.Request().Context(), params)
	if err != nil {
		return err
	}

	if params.Limit <= 0 {
		params.Limit = 50
	}

	return c.JSON(http.StatusOK, JobListResponse{
		Data:   jobs,
		Total:  total,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
}

// GetByID handles GET /api/jobs/:id
func (h *Handler) GetByID(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apperror.ErrBadRequest.WithMessage("job id is required")
	}

	job, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, JobResponse{Data: job})
}

// Cancel handles POST /api/jobs/:id/cancel
func (h *Handler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apperror.ErrBadRequest.WithMessage("job id is required")
	}

	if err := h.svc.Cancel(c.Request().Context(), id); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// Retry handles POST /api/jobs/:id/retry
func (h *Handler) Retry(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apperror.ErrBadRequest.WithMessage("job id is required")
	}

	if err := h.svc.Retry(c.Request().Context(), id); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "retried"})
}

// Stats handles GET /api/jobs/stats
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, StatsResponse{Data: stats})
}

// QueueStats handles GET /api/queues
func (h *Handler) QueueStats(c echo.Context) error {
	stats, err := h.svc.StatsByQueue(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, QueueStatsResponse{Data: stats})
}
