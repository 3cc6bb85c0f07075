package api

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"enrichment-engine/backend/internal/services"
	"enrichment-engine/backend/internal/tasks"
	"enrichment-engine/backend/pkg/models"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Handler contains the HTTP handlers for the enrichment API.
type Handler struct {
	orchestrator *services.Orchestrator
	fetcher      *services.Fetcher
	router       *services.Router
	storage      *services.StorageWorker
	tracker      *services.Tracker
	inspector    *services.Inspector
	tasks        services.Enqueuer
}

// Services groups the dependencies of a Handler.
type Services struct {
	Orchestrator *services.Orchestrator
	Fetcher      *services.Fetcher
	Router       *services.Router
	Storage      *services.StorageWorker
	Tracker      *services.Tracker
	Inspector    *services.Inspector
	Tasks        services.Enqueuer
}

// NewHandler creates a Handler.
func NewHandler(s Services) *Handler {
	return &Handler{
		orchestrator: s.Orchestrator,
		fetcher:      s.Fetcher,
		router:       s.Router,
		storage:      s.Storage,
		tracker:      s.Tracker,
		inspector:    s.Inspector,
		tasks:        s.Tasks,
	}
}

// RegisterHandlers mounts the API routes on e.
func RegisterHandlers(e *echo.Echo, h *Handler) {
	e.GET("/healthz", h.HandleHealth)

	v1 := e.Group("/api/v1")
	v1.POST("/orchestrate", h.Orchestrate)
	v1.POST("/fetch", h.Fetch)
	v1.POST("/callback", h.Callback)
	v1.POST("/store", h.Store)
	v1.POST("/log", h.Log)

	v1.GET("/workflows", h.ListWorkflows)
	v1.GET("/workflows/:id", h.GetWorkflow)
	v1.GET("/batches/:id", h.GetBatch)
	v1.GET("/entities/:id/progress", h.GetEntityProgress)
}

// HealthStatus is the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth always answers 200 while the process is serving.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   serviceName,
		Version:   Version,
	})
}

// Orchestrate selects the next workflow step for a set of companies and dispatches it.
func (h *Handler) Orchestrate(c echo.Context) error {
	var req services.OrchestrateRequest
	if err := bindValidate(c, &req); err != nil {
		return err
	}
	out, err := h.orchestrator.Run(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// FetchRequest runs the data fetcher for an explicit step configuration.
type FetchRequest struct {
	Companies      []models.Entity      `json:"companies" validate:"required,min=1,dive"`
	WorkflowConfig *models.WorkflowStep `json:"workflow_config" validate:"required"`
}

// Fetch returns the records a step would dispatch, without sending them.
func (h *Handler) Fetch(c echo.Context) error {
	var req FetchRequest
	if err := bindValidate(c, &req); err != nil {
		return err
	}
	if err := req.WorkflowConfig.Validate(); err != nil {
		return services.ConfigurationError(http.StatusBadRequest, "invalid workflow_config", err)
	}
	res, err := h.fetcher.Fetch(c.Request().Context(), req.WorkflowConfig, req.Companies)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Callback receives a provider's response and routes it to the storage worker.
func (h *Handler) Callback(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body").SetInternal(err)
	}
	res, err := h.router.Route(c.Request().Context(), body)
	if err != nil {
		return err
	}
	if res.Mode == services.RouteSingle && len(res.Body) > 0 {
		return c.JSONBlob(res.Status, res.Body)
	}
	return c.JSON(res.Status, res)
}

// Store maps one provider payload into its destination table.
func (h *Handler) Store(c echo.Context) error {
	var payload models.Record
	if err := c.Echo().JSONSerializer.Deserialize(c, &payload); err != nil {
		return err
	}
	res, err := h.storage.Store(c.Request().Context(), payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// LogBody is a result entry submitted by an external worker. A batch_id also
// counts the entry against that batch.
type LogBody struct {
	services.LogRequest
	BatchID string `json:"batch_id,omitempty"`
}

// Log queues a result entry and its batch attempt.
func (h *Handler) Log(c echo.Context) error {
	var body LogBody
	if err := bindValidate(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.tasks.Enqueue(ctx, tasks.KindLogResult, body.LogRequest); err != nil {
		return services.StorageFailure("queue result entry", err)
	}
	if body.BatchID != "" {
		attempt := services.AttemptRequest{BatchID: body.BatchID, Succeeded: body.Status == models.ResultStatusSuccess}
		if err := h.tasks.Enqueue(ctx, tasks.KindBatchAttempt, attempt); err != nil {
			return services.StorageFailure("queue batch attempt", err)
		}
	}
	return c.JSON(http.StatusAccepted, map[string]any{"queued": true})
}
