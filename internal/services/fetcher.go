package services

import (
	"context"
	"net/http"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/pkg/models"
)

// FetchKind says where a step's records came from.
type FetchKind string

const (
	FetchSourceRecords     FetchKind = "source_records"
	FetchEntityPassthrough FetchKind = "entity_passthrough"
)

// FetchResult holds the records eligible for one step.
type FetchResult struct {
	Kind        FetchKind       `json:"kind"`
	Records     []models.Record `json:"records"`
	RecordCount int             `json:"record_count"`
	// Entities is the entity set the records were selected for.
	Entities []models.Entity `json:"-"`
}

// Fetcher selects the records a step dispatches.
type Fetcher struct {
	sources repository.SourceStore
	logger  *logging.Logger
}

// NewFetcher creates a Fetcher reading from sources.
func NewFetcher(sources repository.SourceStore, logger *logging.Logger) *Fetcher {
	return &Fetcher{sources: sources, logger: logger.Named("fetcher")}
}

// Fetch returns the rows of the step's source table that belong to entities,
// or the entities themselves when the step has no source table.
func (f *Fetcher) Fetch(ctx context.Context, step *models.WorkflowStep, entities []models.Entity) (*FetchResult, error) {
	if !step.HasSourceTable() {
		records := make([]models.Record, 0, len(entities))
		for _, e := range entities {
			records = append(records, entityRecord(e))
		}
		return &FetchResult{
			Kind:        FetchEntityPassthrough,
			Records:     records,
			RecordCount: len(records),
			Entities:    entities,
		}, nil
	}

	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}

	if f.sources == nil {
		return nil, ConfigurationError(http.StatusInternalServerError, "source-of-truth database is not configured", nil).
			With("table", step.SourceTableName)
	}
	records, err := f.sources.FetchByCompany(ctx, repository.SourceQuery{
		Table:         step.SourceTableName,
		CompanyFK:     step.SourceTableCompanyFK,
		SelectColumns: step.SourceTableSelectColumns,
		CompanyIDs:    ids,
	})
	if err != nil {
		f.logger.Error("Source query failed", "workflow_id", step.ID, "table", step.SourceTableName, "error", err)
		return nil, (&Error{
			Kind:    KindStorage,
			Status:  http.StatusInternalServerError,
			Message: "failed to fetch source records",
			Err:     err,
		}).With("table", step.SourceTableName).
			With("company_fk", step.SourceTableCompanyFK).
			With("select_columns", step.SourceTableSelectColumns)
	}

	f.logger.Debug("Fetched source records", "workflow_id", step.ID, "table", step.SourceTableName, "count", len(records))
	return &FetchResult{
		Kind:        FetchSourceRecords,
		Records:     records,
		RecordCount: len(records),
		Entities:    entities,
	}, nil
}

func entityRecord(e models.Entity) models.Record {
	r := models.Record{"id": e.ID}
	if e.Name != "" {
		r["name"] = e.Name
	}
	if e.Domain != "" {
		r["domain"] = e.Domain
	}
	return r
}
