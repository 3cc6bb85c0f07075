package repository

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"enrichment-engine/backend/pkg/models"
)

const workflowStepColumns = `
	id::text, slug, title, overall_step_number, status,
	COALESCE(source_table_name, ''), COALESCE(source_table_company_fk, ''), COALESCE(source_table_select_columns, ''),
	COALESCE(destination_endpoint_url, ''), COALESCE(destination_type, ''),
	COALESCE(destination_table_name, ''), COALESCE(destination_upsert_conflict, ''),
	destination_field_mappings, array_field_configs,
	COALESCE(source_record_array_field, ''),
	COALESCE(raw_payload_table_name, ''), COALESCE(raw_payload_field, ''),
	COALESCE(storage_worker_url, ''), COALESCE(global_logger_url, ''), COALESCE(receiver_url, ''),
	created_at, updated_at`

// PostgresWorkflowStore is a PostgreSQL implementation of the WorkflowStore interface.
type PostgresWorkflowStore struct {
	db *pgxpool.Pool
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *pgxpool.Pool) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

// GetStep retrieves a step by its ID.
func (s *PostgresWorkflowStore) GetStep(ctx context.Context, id string) (*models.WorkflowStep, error) {
	row := s.db.QueryRow(ctx, "SELECT "+workflowStepColumns+" FROM workflow_steps WHERE id::text = $1", id)
	step, err := scanWorkflowStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return step, err
}

// GetNextStep returns the first active pipeline step after afterStepNumber.
func (s *PostgresWorkflowStore) GetNextStep(ctx context.Context, afterStepNumber int) (*models.WorkflowStep, error) {
	row := s.db.QueryRow(ctx, "SELECT "+workflowStepColumns+` FROM workflow_steps
		WHERE status = 'active' AND overall_step_number IS NOT NULL AND overall_step_number > $1
		ORDER BY overall_step_number ASC
		LIMIT 1`, afterStepNumber)
	step, err := scanWorkflowStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return step, err
}

// ListSteps returns every step ordered by step number, unnumbered steps last.
func (s *PostgresWorkflowStore) ListSteps(ctx context.Context) ([]*models.WorkflowStep, error) {
	rows, err := s.db.Query(ctx, "SELECT "+workflowStepColumns+" FROM workflow_steps ORDER BY overall_step_number ASC NULLS LAST, slug ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetProviderVariant returns the provider override for a step, or nil.
func (s *PostgresWorkflowStore) GetProviderVariant(ctx context.Context, workflowID, provider string) (*models.ProviderVariant, error) {
	var (
		v            models.ProviderVariant
		mappings     []byte
		arrayConfigs []byte
	)
	err := s.db.QueryRow(ctx, `SELECT workflow_id::text, enrichment_provider,
			COALESCE(destination_table_name, ''), destination_field_mappings, array_field_configs,
			COALESCE(raw_payload_table_name, ''), COALESCE(raw_payload_field, '')
		FROM workflow_provider_configs
		WHERE workflow_id::text = $1 AND enrichment_provider = $2`, workflowID, provider).
		Scan(&v.WorkflowID, &v.EnrichmentProvider, &v.DestinationTableName, &mappings, &arrayConfigs,
			&v.RawPayloadTableName, &v.RawPayloadField)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cfg, err := models.ParseDestinationConfig(mappings, arrayConfigs)
	if err != nil {
		return nil, fmt.Errorf("provider config %s/%s: %w", workflowID, provider, err)
	}
	v.DestinationConfig = cfg
	return &v, nil
}

// UpsertStep creates or replaces a step. It belongs to the admin surface
// (seeding, tests); the engine itself never writes configuration.
func (s *PostgresWorkflowStore) UpsertStep(ctx context.Context, step *models.WorkflowStep) error {
	if err := step.Validate(); err != nil {
		return err
	}
	mappings, err := json.Marshal(step.FieldMappings)
	if err != nil {
		return err
	}
	arrayConfigs, err := json.Marshal(step.ArrayConfigs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_steps (
			id, slug, title, overall_step_number, status,
			source_table_name, source_table_company_fk, source_table_select_columns,
			destination_endpoint_url, destination_type, destination_table_name, destination_upsert_conflict,
			destination_field_mappings, array_field_configs, source_record_array_field,
			raw_payload_table_name, raw_payload_field, storage_worker_url, global_logger_url, receiver_url)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''),
			NULLIF($11, ''), NULLIF($12, ''), $13, $14, NULLIF($15, ''), NULLIF($16, ''), NULLIF($17, ''),
			NULLIF($18, ''), NULLIF($19, ''), NULLIF($20, ''))
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug, title = EXCLUDED.title, overall_step_number = EXCLUDED.overall_step_number,
			status = EXCLUDED.status, source_table_name = EXCLUDED.source_table_name,
			source_table_company_fk = EXCLUDED.source_table_company_fk,
			source_table_select_columns = EXCLUDED.source_table_select_columns,
			destination_endpoint_url = EXCLUDED.destination_endpoint_url,
			destination_type = EXCLUDED.destination_type, destination_table_name = EXCLUDED.destination_table_name,
			destination_upsert_conflict = EXCLUDED.destination_upsert_conflict,
			destination_field_mappings = EXCLUDED.destination_field_mappings,
			array_field_configs = EXCLUDED.array_field_configs,
			source_record_array_field = EXCLUDED.source_record_array_field,
			raw_payload_table_name = EXCLUDED.raw_payload_table_name, raw_payload_field = EXCLUDED.raw_payload_field,
			storage_worker_url = EXCLUDED.storage_worker_url, global_logger_url = EXCLUDED.global_logger_url,
			receiver_url = EXCLUDED.receiver_url, updated_at = NOW()`,
		step.ID, step.Slug, step.Title, step.OverallStepNumber, string(step.Status),
		step.SourceTableName, step.SourceTableCompanyFK, step.SourceTableSelectColumns,
		step.DestinationEndpointURL, step.DestinationType, step.DestinationTableName, step.DestinationUpsertConflict,
		mappings, arrayConfigs, step.SourceRecordArrayField,
		step.RawPayloadTableName, step.RawPayloadField, step.StorageWorkerURL, step.GlobalLoggerURL, step.ReceiverURL,
	)
	return err
}

// UpsertProviderVariant creates or replaces a provider override.
func (s *PostgresWorkflowStore) UpsertProviderVariant(ctx context.Context, v *models.ProviderVariant) error {
	mappings, err := json.Marshal(v.FieldMappings)
	if err != nil {
		return err
	}
	arrayConfigs, err := json.Marshal(v.ArrayConfigs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_provider_configs (
			workflow_id, enrichment_provider, destination_table_name, destination_field_mappings,
			array_field_configs, raw_payload_table_name, raw_payload_field)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		ON CONFLICT (workflow_id, enrichment_provider) DO UPDATE SET
			destination_table_name = EXCLUDED.destination_table_name,
			destination_field_mappings = EXCLUDED.destination_field_mappings,
			array_field_configs = EXCLUDED.array_field_configs,
			raw_payload_table_name = EXCLUDED.raw_payload_table_name,
			raw_payload_field = EXCLUDED.raw_payload_field`,
		v.WorkflowID, v.EnrichmentProvider, v.DestinationTableName, mappings, arrayConfigs,
		v.RawPayloadTableName, v.RawPayloadField)
	return err
}

func scanWorkflowStep(row pgx.Row) (*models.WorkflowStep, error) {
	var (
		step         models.WorkflowStep
		status       string
		mappings     []byte
		arrayConfigs []byte
	)
	err := row.Scan(
		&step.ID, &step.Slug, &step.Title, &step.OverallStepNumber, &status,
		&step.SourceTableName, &step.SourceTableCompanyFK, &step.SourceTableSelectColumns,
		&step.DestinationEndpointURL, &step.DestinationType,
		&step.DestinationTableName, &step.DestinationUpsertConflict,
		&mappings, &arrayConfigs,
		&step.SourceRecordArrayField,
		&step.RawPayloadTableName, &step.RawPayloadField,
		&step.StorageWorkerURL, &step.GlobalLoggerURL, &step.ReceiverURL,
		&step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	step.Status = models.StepStatus(status)

	cfg, err := models.ParseDestinationConfig(mappings, arrayConfigs)
	if err != nil {
		return nil, fmt.Errorf("workflow %s (%s): %w", step.ID, step.Slug, err)
	}
	step.DestinationConfig = cfg
	return &step, nil
}
