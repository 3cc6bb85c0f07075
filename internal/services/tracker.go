package services

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/metrics"
	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/pkg/models"
)

// LogRequest is a result entry plus where to send it. An empty LoggerURL
// writes to the local results log.
type LogRequest struct {
	models.ResultEntry
	LoggerURL string `json:"logger_url,omitempty"`
}

// AttemptRequest records one callback against a batch.
type AttemptRequest struct {
	BatchID   string `json:"batch_id" validate:"required"`
	Succeeded bool   `json:"succeeded"`
}

// Tracker keeps batch counters and the results log.
type Tracker struct {
	batches repository.BatchStore
	results repository.ResultLog
	invoker Invoker
	creds   Credentials
	logger  *logging.Logger
}

// NewTracker creates a Tracker.
func NewTracker(batches repository.BatchStore, results repository.ResultLog, invoker Invoker, creds Credentials, logger *logging.Logger) *Tracker {
	return &Tracker{batches: batches, results: results, invoker: invoker, creds: creds, logger: logger.Named("tracker")}
}

// RecordAttempt counts one callback for a batch.
func (t *Tracker) RecordAttempt(ctx context.Context, req AttemptRequest) (*models.Batch, error) {
	b, err := t.batches.IncrementReceived(ctx, req.BatchID, !req.Succeeded)
	if err != nil {
		return nil, fmt.Errorf("record attempt for batch %s: %w", req.BatchID, err)
	}
	if b.Status == models.BatchStatusCompleted && b.RecordsReceived == b.RecordsSent {
		metrics.BatchesCompleted.Inc()
		t.logger.Info("Batch completed", "batch_id", b.ID, "workflow_id", b.WorkflowID,
			"records_sent", b.RecordsSent, "records_failed", b.RecordsFailed)
	}
	return b, nil
}

// LogResult appends an entry to the results log, and to the completion log
// on success. Steps with a global logger get the entry POSTed there instead.
func (t *Tracker) LogResult(ctx context.Context, req LogRequest) error {
	if req.LoggerURL != "" {
		body, err := json.Marshal(req.ResultEntry)
		if err != nil {
			return err
		}
		resp, err := t.invoker.Post(ctx, req.LoggerURL, body, t.creds.HeadersFor(req.LoggerURL))
		if err != nil {
			return fmt.Errorf("post result to %s: %w", req.LoggerURL, err)
		}
		if !resp.OK() {
			return fmt.Errorf("logger %s returned %d", req.LoggerURL, resp.StatusCode)
		}
		return nil
	}

	entry := req.ResultEntry
	if err := t.results.AppendResult(ctx, &entry); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	if entry.Status == models.ResultStatusSuccess {
		if err := t.results.AppendCompletion(ctx, &entry); err != nil {
			return fmt.Errorf("append completion: %w", err)
		}
	}
	return nil
}

// GetBatch returns a batch by id.
func (t *Tracker) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	b, err := t.batches.GetBatch(ctx, id)
	if err != nil {
		return nil, lookupBatch(err, id)
	}
	return b, nil
}

func lookupBatch(err error, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return NotFoundError(fmt.Sprintf("batch %s not found", id), err).With("batch_id", id)
	}
	return err
}
