package services

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/metrics"
	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/pkg/models"
)

var tracer = otel.Tracer("enrichment-engine/services")

// DispatchResult is the outcome of one outbound request.
type DispatchResult struct {
	RecordID   string `json:"record_id"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DispatchSummary aggregates one dispatch run.
type DispatchSummary struct {
	WorkflowID    string           `json:"workflow_id"`
	WorkflowSlug  string           `json:"workflow_slug"`
	StepNumber    *int             `json:"step_number,omitempty"`
	Kind          FetchKind        `json:"kind,omitempty"`
	RecordsFound  int              `json:"records_found"`
	SuccessCount  int              `json:"success_count"`
	FailCount     int              `json:"fail_count"`
	BatchID       string           `json:"batch_id,omitempty"`
	NoDestination bool             `json:"no_destination,omitempty"`
	Message       string           `json:"message,omitempty"`
	Results       []DispatchResult `json:"results"`
}

// Dispatcher fans records out to a step's destination one at a time with a
// fixed delay between sends.
type Dispatcher struct {
	invoker  Invoker
	creds    Credentials
	delay    time.Duration
	batches  repository.BatchStore
	progress repository.ProgressStore
	logger   *logging.Logger

	sleep func(time.Duration)
}

// NewDispatcher creates a Dispatcher. batches and progress may be nil.
func NewDispatcher(invoker Invoker, creds Credentials, delay time.Duration, batches repository.BatchStore,
	progress repository.ProgressStore, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		invoker:  invoker,
		creds:    creds,
		delay:    delay,
		batches:  batches,
		progress: progress,
		logger:   logger.Named("dispatcher"),
		sleep:    time.Sleep,
	}
}

// Dispatch sends every fetched record to the step's destination. Individual
// failures are recorded in the summary and never retried. The run is detached
// from ctx cancellation: once started, every record is attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, step *models.WorkflowStep, fetched *FetchResult) (*DispatchSummary, error) {
	summary := &DispatchSummary{
		WorkflowID:   step.ID,
		WorkflowSlug: step.Slug,
		StepNumber:   step.OverallStepNumber,
		Kind:         fetched.Kind,
		RecordsFound: len(fetched.Records),
		Results:      []DispatchResult{},
	}
	if !step.HasDestination() {
		summary.NoDestination = true
		summary.Message = fmt.Sprintf("workflow %s has no destination configured", step.Slug)
		return summary, nil
	}
	if len(fetched.Records) == 0 {
		summary.Message = "no records to dispatch"
		return summary, nil
	}

	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "dispatch", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.id", step.ID),
		attribute.Int("dispatch.records", len(fetched.Records)),
	)

	start := time.Now()
	summary.BatchID = d.openBatch(ctx, step, len(fetched.Records))

	entities := indexEntities(fetched.Entities)
	sent := make(map[string]bool)
	headers := d.creds.HeadersFor(step.DestinationEndpointURL)

	for i, record := range fetched.Records {
		if i > 0 && d.delay > 0 {
			d.sleep(d.delay)
		}

		entity := entityFor(step, fetched.Kind, record, entities)
		result := d.send(ctx, step, record, entity, summary.BatchID, headers)
		summary.Results = append(summary.Results, result)
		if result.Success {
			summary.SuccessCount++
		} else {
			summary.FailCount++
		}
		if entity != nil {
			sent[entity.ID] = sent[entity.ID] || result.Success
		}
	}

	d.finalizeBatch(ctx, summary)
	d.recordProgress(ctx, step, summary.BatchID, sent)

	metrics.DispatchDuration.WithLabelValues(step.Slug).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("dispatch.succeeded", summary.SuccessCount),
		attribute.Int("dispatch.failed", summary.FailCount),
	)
	d.logger.Info("Dispatch finished", "workflow_id", step.ID, "workflow_slug", step.Slug,
		"records_found", summary.RecordsFound, "success_count", summary.SuccessCount,
		"fail_count", summary.FailCount, "batch_id", summary.BatchID, "elapsed", time.Since(start))
	return summary, nil
}

func (d *Dispatcher) send(ctx context.Context, step *models.WorkflowStep, record models.Record, entity *models.Entity,
	batchID string, headers map[string]string) DispatchResult {
	result := DispatchResult{RecordID: record.String("id")}

	body, err := json.Marshal(outboundPayload(step, record, entity, batchID))
	if err != nil {
		result.Error = fmt.Sprintf("encode payload: %v", err)
		metrics.DispatchRequests.WithLabelValues(step.Slug, "error").Inc()
		return result
	}

	resp, err := d.invoker.Post(ctx, step.DestinationEndpointURL, body, headers)
	if err != nil {
		result.Error = err.Error()
		metrics.DispatchRequests.WithLabelValues(step.Slug, "error").Inc()
		d.logger.Warn("Dispatch request failed", "workflow_id", step.ID, "record_id", result.RecordID, "error", err)
		return result
	}

	result.StatusCode = resp.StatusCode
	result.Success = resp.OK()
	if !result.Success {
		result.Error = fmt.Sprintf("destination returned %d: %s", resp.StatusCode, truncate(string(resp.Body), 512))
		metrics.DispatchRequests.WithLabelValues(step.Slug, "rejected").Inc()
		d.logger.Warn("Destination rejected record", "workflow_id", step.ID, "record_id", result.RecordID,
			"status", resp.StatusCode)
		return result
	}
	metrics.DispatchRequests.WithLabelValues(step.Slug, "ok").Inc()
	return result
}

// outboundPayload is the record plus the routing context the provider must
// echo back in its callback.
func outboundPayload(step *models.WorkflowStep, record models.Record, entity *models.Entity, batchID string) models.Record {
	payload := record.Clone()
	payload["source_record_id"] = record.String("id")
	payload["workflow_id"] = step.ID
	payload["workflow_slug"] = step.Slug
	payload["receiver_url"] = step.ReceiverURL
	if batchID != "" {
		payload["batch_id"] = batchID
	}
	if entity != nil {
		payload["company_id"] = entity.ID
		if entity.Name != "" {
			payload["company_name"] = entity.Name
		}
		if entity.Domain != "" {
			payload["company_domain"] = entity.Domain
		}
	}
	return payload
}

func (d *Dispatcher) openBatch(ctx context.Context, step *models.WorkflowStep, n int) string {
	if d.batches == nil {
		return ""
	}
	batch := &models.Batch{
		ID:          uuid.NewString(),
		WorkflowID:  step.ID,
		StepNumber:  step.StepNumber(),
		RecordsSent: n,
	}
	if err := d.batches.CreateBatch(ctx, batch); err != nil {
		d.logger.Error("Failed to create batch, dispatching untracked", "workflow_id", step.ID, "error", err)
		return ""
	}
	return batch.ID
}

// finalizeBatch sets records_sent to the requests that actually went out so
// rejected sends do not hold the batch open forever.
func (d *Dispatcher) finalizeBatch(ctx context.Context, summary *DispatchSummary) {
	if d.batches == nil || summary.BatchID == "" {
		return
	}
	batch, err := d.batches.FinalizeSent(ctx, summary.BatchID, summary.SuccessCount)
	if err != nil {
		d.logger.Error("Failed to finalize batch", "batch_id", summary.BatchID, "error", err)
		return
	}
	if batch.Status == models.BatchStatusCompleted {
		metrics.BatchesCompleted.Inc()
	}
}

func (d *Dispatcher) recordProgress(ctx context.Context, step *models.WorkflowStep, batchID string, sent map[string]bool) {
	if d.progress == nil {
		return
	}
	for entityID, ok := range sent {
		state := models.ProgressDispatched
		if !ok {
			state = models.ProgressDispatchFailed
		}
		err := d.progress.UpsertProgress(ctx, &models.Progress{
			EntityID:   entityID,
			WorkflowID: step.ID,
			StepNumber: step.OverallStepNumber,
			State:      state,
			BatchID:    batchID,
		})
		if err != nil {
			d.logger.Warn("Failed to record progress", "entity_id", entityID, "workflow_id", step.ID, "error", err)
		}
	}
}

func indexEntities(entities []models.Entity) map[string]*models.Entity {
	idx := make(map[string]*models.Entity, len(entities))
	for i := range entities {
		idx[entities[i].ID] = &entities[i]
	}
	return idx
}

// entityFor finds the entity a record belongs to: the record itself for
// passthrough, the company FK column for source rows.
func entityFor(step *models.WorkflowStep, kind FetchKind, record models.Record, entities map[string]*models.Entity) *models.Entity {
	key := "id"
	if kind == FetchSourceRecords {
		key = step.SourceTableCompanyFK
	}
	return entities[record.String(key)]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
