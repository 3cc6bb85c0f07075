package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ListWorkflows returns every configured step in pipeline order
// (GET /api/v1/workflows)
func (h *Handler) ListWorkflows(c echo.Context) error {
	steps, err := h.inspector.ListSteps(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, steps)
}

// GetWorkflow returns one step's configuration
// (GET /api/v1/workflows/:id)
func (h *Handler) GetWorkflow(c echo.Context) error {
	step, err := h.inspector.GetStep(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, step)
}

// GetBatch returns a dispatch batch and its callback counters
// (GET /api/v1/batches/:id)
func (h *Handler) GetBatch(c echo.Context) error {
	batch, err := h.tracker.GetBatch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, batch)
}

// GetEntityProgress returns where an entity stands in the pipeline
// (GET /api/v1/entities/:id/progress)
func (h *Handler) GetEntityProgress(c echo.Context) error {
	progress, err := h.inspector.EntityProgress(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, progress)
}
