package repository

import (
	"context"
	"errors"

	"enrichment-engine/backend/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// WorkflowStore is the read-only accessor for workflow step configuration.
type WorkflowStore interface {
	// GetStep retrieves a step by its ID.
	GetStep(ctx context.Context, id string) (*models.WorkflowStep, error)
	// GetNextStep returns the first active step whose overall step number is
	// greater than afterStepNumber, or nil when the pipeline is complete.
	GetNextStep(ctx context.Context, afterStepNumber int) (*models.WorkflowStep, error)
	// ListSteps returns every step, pipeline steps first in ascending order.
	ListSteps(ctx context.Context) ([]*models.WorkflowStep, error)
	// GetProviderVariant returns the provider-specific override for a step,
	// or nil when none is configured.
	GetProviderVariant(ctx context.Context, workflowID, provider string) (*models.ProviderVariant, error)
}

// SourceQuery selects the rows of a source table that belong to a set of
// companies.
type SourceQuery struct {
	Table         string
	CompanyFK     string
	SelectColumns string
	CompanyIDs    []string
}

// SourceStore reads eligible records from the source-of-truth database.
type SourceStore interface {
	FetchByCompany(ctx context.Context, q SourceQuery) ([]models.Record, error)
}

// InsertOptions tunes a dynamic insert.
type InsertOptions struct {
	// ConflictColumn turns the insert into an upsert on that column.
	ConflictColumn string
}

// RecordStore writes provider results into configured destination tables.
type RecordStore interface {
	// Insert writes row into table and returns the new (or upserted) row id.
	Insert(ctx context.Context, table string, row models.Record, opts InsertOptions) (string, error)
	// InsertRawPayload persists a provider payload as-is for auditing.
	InsertRawPayload(ctx context.Context, table, workflowID, companyID string, payload models.Record) error
}

// BatchStore persists dispatch batches.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *models.Batch) error
	// FinalizeSent sets the number of records actually sent, completing the
	// batch if enough callbacks already arrived.
	FinalizeSent(ctx context.Context, id string, sent int) (*models.Batch, error)
	// IncrementReceived atomically records one callback. A completed batch
	// stays completed with its original completed_at.
	IncrementReceived(ctx context.Context, id string, failed bool) (*models.Batch, error)
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
}

// ResultLog is the append-only audit trail of stored records.
type ResultLog interface {
	AppendResult(ctx context.Context, entry *models.ResultEntry) error
	AppendCompletion(ctx context.Context, entry *models.ResultEntry) error
}

// ProgressStore tracks per-entity pipeline progress.
type ProgressStore interface {
	UpsertProgress(ctx context.Context, p *models.Progress) error
	ListProgress(ctx context.Context, entityID string) ([]*models.Progress, error)
}
