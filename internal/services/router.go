package services

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/metrics"
	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/internal/tasks"
	"enrichment-engine/backend/pkg/models"
)

// arrayElementField marks a payload the router split out of an array
// callback. The router owns batch accounting and continuation for those.
const arrayElementField = "_array_element"

// RouteMode says how a callback was forwarded.
type RouteMode string

const (
	RouteSingle RouteMode = "single"
	RouteArray  RouteMode = "array"
)

// ElementResult is the storage outcome for one array element.
type ElementResult struct {
	Index      int    `json:"index"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RouteResult is the router's response. In single mode Body carries the
// storage worker's response as-is.
type RouteResult struct {
	Status     int             `json:"-"`
	Mode       RouteMode       `json:"mode"`
	WorkflowID string          `json:"workflow_id"`
	Total      int             `json:"total,omitempty"`
	Succeeded  int             `json:"succeeded,omitempty"`
	Failed     int             `json:"failed,omitempty"`
	Results    []ElementResult `json:"results,omitempty"`
	Body       json.RawMessage `json:"-"`
}

// Router resolves a callback's workflow and forwards it to that step's
// storage worker.
type Router struct {
	workflows repository.WorkflowStore
	invoker   Invoker
	creds     Credentials
	tasks     Enqueuer
	logger    *logging.Logger
}

// NewRouter creates a Router. tasks may be nil.
func NewRouter(workflows repository.WorkflowStore, invoker Invoker, creds Credentials, tasks Enqueuer, logger *logging.Logger) *Router {
	return &Router{workflows: workflows, invoker: invoker, creds: creds, tasks: tasks, logger: logger.Named("router")}
}

// Route forwards payload to the storage worker, once per element in array
// mode and verbatim otherwise. An array callback still counts as one callback
// for its batch and continues the pipeline once.
func (r *Router) Route(ctx context.Context, payload []byte) (*RouteResult, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil || body == nil {
		return nil, ValidationError("callback body must be a JSON object")
	}
	workflowID, _ := body["workflow_id"].(string)
	if workflowID == "" {
		return nil, ValidationError("workflow_id is required")
	}

	step, err := r.workflows.GetStep(ctx, workflowID)
	if err != nil {
		return nil, lookupStep(err, workflowID)
	}
	if step.StorageWorkerURL == "" {
		return nil, ConfigurationError(http.StatusBadRequest, "workflow has no storage worker configured", nil).
			With("workflow_id", workflowID).With("workflow_slug", step.Slug)
	}

	if field := step.SourceRecordArrayField; field != "" {
		if v, ok := lookupPath(body, field); ok {
			if elems, ok := v.([]any); ok {
				return r.routeArray(ctx, step, body, rootKey(field), elems)
			}
		}
	}
	return r.routeSingle(ctx, workflowID, step.StorageWorkerURL, payload)
}

func (r *Router) routeSingle(ctx context.Context, workflowID, url string, payload []byte) (*RouteResult, error) {
	resp, err := r.invoker.Post(ctx, url, payload, r.creds.HeadersFor(url))
	if err != nil {
		metrics.CallbacksRouted.WithLabelValues(string(RouteSingle), "error").Inc()
		return nil, (&Error{
			Kind:    KindUpstream,
			Status:  http.StatusBadGateway,
			Message: "storage worker unreachable",
			Err:     err,
		}).With("workflow_id", workflowID).With("storage_worker_url", url)
	}

	result := "ok"
	if !resp.OK() {
		result = "failed"
		r.logger.Warn("Storage worker rejected callback", "workflow_id", workflowID, "status", resp.StatusCode)
	}
	metrics.CallbacksRouted.WithLabelValues(string(RouteSingle), result).Inc()

	out := &RouteResult{Status: resp.StatusCode, Mode: RouteSingle, WorkflowID: workflowID, Total: 1}
	if json.Valid(resp.Body) {
		out.Body = resp.Body
	}
	return out, nil
}

func (r *Router) routeArray(ctx context.Context, step *models.WorkflowStep, body map[string]any, root string, elems []any) (*RouteResult, error) {
	workflowID, url := step.ID, step.StorageWorkerURL
	shared := make(map[string]any, len(body))
	for k, v := range body {
		if k != root && k != "batch_id" {
			shared[k] = v
		}
	}
	shared[arrayElementField] = true

	out := &RouteResult{Mode: RouteArray, WorkflowID: workflowID, Total: len(elems), Results: make([]ElementResult, 0, len(elems))}
	headers := r.creds.HeadersFor(url)
	for i, elem := range elems {
		res := ElementResult{Index: i}
		item, err := mergeContext(elem, shared)
		if err == nil {
			res = r.forwardElement(ctx, url, headers, item, i)
		} else {
			res.Error = err.Error()
		}
		if res.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}

	switch {
	case out.Failed == 0:
		out.Status = http.StatusOK
	case out.Succeeded == 0:
		out.Status = http.StatusBadGateway
	default:
		out.Status = http.StatusMultiStatus
	}
	r.afterArray(ctx, step, body, out)
	metrics.CallbacksRouted.WithLabelValues(string(RouteArray), http.StatusText(out.Status)).Inc()
	r.logger.Info("Routed array callback", "workflow_id", workflowID, "elements", out.Total,
		"succeeded", out.Succeeded, "failed", out.Failed)
	return out, nil
}

// afterArray queues the single batch attempt for the callback and, when any
// element was stored, one continuation for its entity.
func (r *Router) afterArray(ctx context.Context, step *models.WorkflowStep, body map[string]any, out *RouteResult) {
	if r.tasks == nil {
		return
	}
	payload := models.Record(body)
	if batchID := payload.String("batch_id"); batchID != "" {
		r.enqueue(ctx, tasks.KindBatchAttempt, AttemptRequest{BatchID: batchID, Succeeded: out.Failed == 0})
	}
	entity := payloadEntity(payload)
	if out.Succeeded == 0 || step.OverallStepNumber == nil || entity.ID == "" {
		return
	}
	r.enqueue(ctx, tasks.KindContinue, ContinueRequest{Entity: entity, LastCompletedStep: *step.OverallStepNumber})
}

func (r *Router) enqueue(ctx context.Context, kind string, payload any) {
	if err := r.tasks.Enqueue(ctx, kind, payload); err != nil {
		r.logger.Warn("Failed to queue follow-up task", "kind", kind, "error", err)
	}
}

// mergeContext copies the parent's context fields into an element. Fields
// already on the element win.
func mergeContext(elem any, shared map[string]any) (map[string]any, error) {
	item, ok := elem.(map[string]any)
	if !ok {
		item = map[string]any{"value": elem}
	} else {
		cp := make(map[string]any, len(item)+len(shared))
		for k, v := range item {
			cp[k] = v
		}
		item = cp
	}
	if err := mergo.Merge(&item, shared); err != nil {
		return nil, fmt.Errorf("merge context fields: %w", err)
	}
	return item, nil
}

func (r *Router) forwardElement(ctx context.Context, url string, headers map[string]string, item map[string]any, i int) ElementResult {
	res := ElementResult{Index: i}
	data, err := json.Marshal(item)
	if err != nil {
		res.Error = fmt.Sprintf("encode element: %v", err)
		return res
	}
	resp, err := r.invoker.Post(ctx, url, data, headers)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.StatusCode = resp.StatusCode
	res.Success = resp.OK()

	var reply struct {
		RecordID string `json:"record_id"`
		Detail   string `json:"detail"`
		Error    string `json:"error"`
	}
	if len(bytes.TrimSpace(resp.Body)) > 0 && json.Unmarshal(resp.Body, &reply) == nil {
		res.RecordID = reply.RecordID
		if !res.Success {
			res.Error = firstNonEmpty(reply.Detail, reply.Error)
		}
	}
	if !res.Success && res.Error == "" {
		res.Error = fmt.Sprintf("storage worker returned %d", resp.StatusCode)
	}
	return res
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
