package services

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/metrics"
	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/internal/tasks"
	"enrichment-engine/backend/pkg/models"
)

// contextFields are copied onto every stored row when the payload has them.
var contextFields = []string{
	"source_record_id", "company_id", "company_name", "company_domain", "workflow_id", "workflow_slug",
}

// unmappedDenylist is never copied by the unmapped (copy-all) mode.
var unmappedDenylist = map[string]bool{
	"receiver_url":        true,
	"batch_id":            true,
	"enrichment_provider": true,
	"storage_worker_url":  true,
	"global_logger_url":   true,
	"id":                  true,
	"created_at":          true,
	"updated_at":          true,
}

// Enqueuer schedules background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

// ArrayResult counts the child rows written for one array field.
type ArrayResult struct {
	Field    string   `json:"field"`
	Table    string   `json:"table"`
	Inserted int      `json:"inserted"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// StoreResult is the storage worker's response.
type StoreResult struct {
	Success      bool          `json:"success"`
	RecordID     string        `json:"record_id"`
	Table        string        `json:"table"`
	ArrayResults []ArrayResult `json:"array_results,omitempty"`
	Continued    bool          `json:"continued"`
}

// StorageWorker maps provider payloads into destination tables.
type StorageWorker struct {
	workflows repository.WorkflowStore
	records   repository.RecordStore
	progress  repository.ProgressStore
	tasks     Enqueuer
	logger    *logging.Logger
}

// NewStorageWorker creates a StorageWorker. progress may be nil.
func NewStorageWorker(workflows repository.WorkflowStore, records repository.RecordStore, progress repository.ProgressStore,
	tasks Enqueuer, logger *logging.Logger) *StorageWorker {
	return &StorageWorker{
		workflows: workflows,
		records:   records,
		progress:  progress,
		tasks:     tasks,
		logger:    logger.Named("storage"),
	}
}

// Store writes one provider payload. Logging, batch accounting and pipeline
// continuation are queued and never fail the write.
func (w *StorageWorker) Store(ctx context.Context, payload models.Record) (*StoreResult, error) {
	workflowID := payload.String("workflow_id")
	if workflowID == "" {
		return nil, ValidationError("workflow_id is required")
	}
	entity := payloadEntity(payload)
	if entity.ID == "" && entity.Domain == "" {
		return nil, ValidationError("company_id or company_domain is required")
	}

	step, err := w.workflows.GetStep(ctx, workflowID)
	if err != nil {
		return nil, lookupStep(err, workflowID)
	}
	if provider := payload.String("enrichment_provider"); provider != "" {
		variant, err := w.workflows.GetProviderVariant(ctx, workflowID, provider)
		if err != nil {
			return nil, lookupStep(err, workflowID)
		}
		step = variant.ApplyTo(step)
	}

	// elements split out of an array callback leave batch accounting and
	// continuation to the router
	_, element := payload[arrayElementField]
	if element {
		payload = payload.Clone()
		delete(payload, arrayElementField)
	}

	ctx, span := tracer.Start(ctx, "store")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.id", step.ID), attribute.String("entity.id", entity.ID))

	nested := nestedObject(payload, step.RawPayloadField)
	if step.RawPayloadTableName != "" {
		w.persistRaw(ctx, step, entity, payload, nested)
	}

	if step.DestinationTableName == "" {
		return nil, ConfigurationError(http.StatusBadRequest, "workflow has no destination table configured", nil).
			With("workflow_id", step.ID).With("workflow_slug", step.Slug)
	}

	row := buildPrimaryRow(step, payload, nested)
	recordID, err := w.records.Insert(ctx, step.DestinationTableName, row,
		repository.InsertOptions{ConflictColumn: step.DestinationUpsertConflict})
	if err != nil {
		metrics.RecordsStored.WithLabelValues("primary", "failed").Inc()
		w.logger.Error("Insert failed", "workflow_id", step.ID, "table", step.DestinationTableName, "error", err)
		w.afterStore(ctx, step, entity, payload, "", err, element)
		return nil, StorageFailure("failed to store record", err).
			With("workflow_id", step.ID).
			With("table", step.DestinationTableName)
	}
	metrics.RecordsStored.WithLabelValues("primary", "ok").Inc()

	result := &StoreResult{Success: true, RecordID: recordID, Table: step.DestinationTableName}
	for _, ac := range step.ArrayConfigs {
		if ar, ok := w.explode(ctx, ac, recordID, payload, nested); ok {
			result.ArrayResults = append(result.ArrayResults, ar)
		}
	}

	result.Continued = w.afterStore(ctx, step, entity, payload, recordID, nil, element)
	w.logger.Info("Stored record", "workflow_id", step.ID, "table", step.DestinationTableName,
		"record_id", recordID, "entity_id", entity.ID, "continued", result.Continued)
	return result, nil
}

// afterStore queues the log entry, the batch attempt and, after a
// successful write to a pipeline step, the continuation. Array elements get
// only the log entry and progress. It reports whether a continuation was
// queued.
func (w *StorageWorker) afterStore(ctx context.Context, step *models.WorkflowStep, entity models.Entity,
	payload models.Record, recordID string, storeErr error, element bool) bool {
	entry := LogRequest{
		ResultEntry: models.ResultEntry{
			CompanyID:      entity.ID,
			CompanyDomain:  entity.Domain,
			WorkflowID:     step.ID,
			WorkflowSlug:   step.Slug,
			StepNumber:     step.OverallStepNumber,
			Status:         models.ResultStatusSuccess,
			ResultTable:    step.DestinationTableName,
			ResultRecordID: recordID,
		},
		LoggerURL: step.GlobalLoggerURL,
	}
	state := models.ProgressStored
	if storeErr != nil {
		entry.Status = models.ResultStatusError
		entry.Error = storeErr.Error()
		state = models.ProgressStorageFailed
	}
	w.enqueue(ctx, tasks.KindLogResult, entry)

	if batchID := payload.String("batch_id"); batchID != "" && !element {
		w.enqueue(ctx, tasks.KindBatchAttempt, AttemptRequest{BatchID: batchID, Succeeded: storeErr == nil})
	}

	if w.progress != nil && entity.ID != "" {
		detail := ""
		if storeErr != nil {
			detail = storeErr.Error()
		}
		err := w.progress.UpsertProgress(ctx, &models.Progress{
			EntityID:   entity.ID,
			WorkflowID: step.ID,
			StepNumber: step.OverallStepNumber,
			State:      state,
			Detail:     detail,
		})
		if err != nil {
			w.logger.Warn("Failed to record progress", "entity_id", entity.ID, "workflow_id", step.ID, "error", err)
		}
	}

	// deprecated steps still continue; the next-step lookup only selects
	// active ones
	if storeErr != nil || element || step.OverallStepNumber == nil || entity.ID == "" {
		return false
	}
	return w.enqueue(ctx, tasks.KindContinue, ContinueRequest{Entity: entity, LastCompletedStep: *step.OverallStepNumber})
}

func (w *StorageWorker) enqueue(ctx context.Context, kind string, payload any) bool {
	if w.tasks == nil {
		return false
	}
	if err := w.tasks.Enqueue(ctx, kind, payload); err != nil {
		w.logger.Warn("Failed to queue follow-up task", "kind", kind, "error", err)
		return false
	}
	return true
}

func (w *StorageWorker) persistRaw(ctx context.Context, step *models.WorkflowStep, entity models.Entity, payload, nested models.Record) {
	raw := nested
	if raw == nil {
		raw = payload
	}
	if err := w.records.InsertRawPayload(ctx, step.RawPayloadTableName, step.ID, entity.ID, raw); err != nil {
		metrics.RecordsStored.WithLabelValues("raw", "failed").Inc()
		w.logger.Warn("Failed to persist raw payload", "workflow_id", step.ID, "table", step.RawPayloadTableName, "error", err)
		return
	}
	metrics.RecordsStored.WithLabelValues("raw", "ok").Inc()
}

// explode writes one child row per element of an array field. Child failures
// are counted and never abort siblings or the parent.
func (w *StorageWorker) explode(ctx context.Context, ac models.ArrayFieldConfig, parentID string, payload, nested models.Record) (ArrayResult, bool) {
	v, ok := lookupField(payload, nested, ac.SourceArrayField)
	if !ok {
		return ArrayResult{}, false
	}
	elems, ok := v.([]any)
	if !ok {
		return ArrayResult{}, false
	}

	ar := ArrayResult{Field: ac.SourceArrayField, Table: ac.DestinationTable}
	for i, elem := range elems {
		obj, ok := elem.(map[string]any)
		if !ok {
			obj = map[string]any{"value": elem}
		}
		child := models.Record{}
		if len(ac.FieldMappings) > 0 {
			for src, col := range ac.FieldMappings {
				if v, ok := lookupPath(obj, src); ok {
					child[col] = v
				}
			}
		} else {
			for k, v := range obj {
				if isScalar(v) {
					child[k] = v
				}
			}
		}
		addContextFields(child, payload)
		child[ac.ParentFKField] = parentID

		if _, err := w.records.Insert(ctx, ac.DestinationTable, child, repository.InsertOptions{}); err != nil {
			ar.Failed++
			ar.Errors = append(ar.Errors, fmt.Sprintf("element %d: %v", i, err))
			metrics.RecordsStored.WithLabelValues("array", "failed").Inc()
			continue
		}
		ar.Inserted++
		metrics.RecordsStored.WithLabelValues("array", "ok").Inc()
	}
	if ar.Failed > 0 {
		w.logger.Warn("Array field partially stored", "field", ac.SourceArrayField, "table", ac.DestinationTable,
			"inserted", ar.Inserted, "failed", ar.Failed)
	}
	return ar, true
}

// buildPrimaryRow maps a payload into the destination row: declared mappings
// when present, otherwise every scalar field outside the denylist.
func buildPrimaryRow(step *models.WorkflowStep, payload, nested models.Record) models.Record {
	row := models.Record{}
	if len(step.FieldMappings) > 0 {
		for src, col := range step.FieldMappings {
			if v, ok := lookupField(payload, nested, src); ok {
				row[col] = v
			}
		}
	} else {
		copyScalars(row, payload, step.RawPayloadField)
		copyScalars(row, nested, "")
	}
	addContextFields(row, payload)
	return row
}

func copyScalars(dst, src models.Record, skip string) {
	for k, v := range src {
		if k == skip || unmappedDenylist[k] || !isScalar(v) {
			continue
		}
		dst[k] = v
	}
}

func addContextFields(row, payload models.Record) {
	for _, f := range contextFields {
		if v, ok := payload[f]; ok && v != nil {
			row[f] = v
		}
	}
}

// lookupField resolves a field in the nested object first, then the
// top-level payload.
func lookupField(payload, nested models.Record, path string) (any, bool) {
	if nested != nil {
		if v, ok := lookupPath(nested, path); ok {
			return v, true
		}
	}
	return lookupPath(payload, path)
}

func nestedObject(payload models.Record, field string) models.Record {
	if field == "" {
		return nil
	}
	v, ok := lookupPath(payload, field)
	if !ok {
		return nil
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return nil
}

func payloadEntity(payload models.Record) models.Entity {
	id := payload.String("company_id")
	if id == "" {
		id = payload.String("entity_id")
	}
	return models.Entity{
		ID:     id,
		Name:   payload.String("company_name"),
		Domain: payload.String("company_domain"),
	}
}
