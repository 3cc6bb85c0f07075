package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the engine's own tables. Destination and source tables are
// owned by whoever configures the workflows and are not created here.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_steps (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		overall_step_number INT,
		status TEXT NOT NULL DEFAULT 'draft'
			CHECK (status IN ('active', 'inactive', 'draft', 'deprecated')),
		source_table_name TEXT,
		source_table_company_fk TEXT,
		source_table_select_columns TEXT,
		destination_endpoint_url TEXT,
		destination_type TEXT,
		destination_table_name TEXT,
		destination_upsert_conflict TEXT,
		destination_field_mappings JSONB,
		array_field_configs JSONB,
		source_record_array_field TEXT,
		raw_payload_table_name TEXT,
		raw_payload_field TEXT,
		storage_worker_url TEXT,
		global_logger_url TEXT,
		receiver_url TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_steps_pipeline_idx
		ON workflow_steps (overall_step_number) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS workflow_provider_configs (
		workflow_id TEXT NOT NULL REFERENCES workflow_steps (id) ON DELETE CASCADE,
		enrichment_provider TEXT NOT NULL,
		destination_table_name TEXT,
		destination_field_mappings JSONB,
		array_field_configs JSONB,
		raw_payload_table_name TEXT,
		raw_payload_field TEXT,
		PRIMARY KEY (workflow_id, enrichment_provider)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_batches (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		step_number INT NOT NULL DEFAULT 0,
		records_sent INT NOT NULL DEFAULT 0,
		records_received INT NOT NULL DEFAULT 0,
		records_failed INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'in_progress' CHECK (status IN ('in_progress', 'completed')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_results (
		id BIGSERIAL PRIMARY KEY,
		company_id TEXT,
		company_domain TEXT,
		workflow_id TEXT NOT NULL,
		workflow_slug TEXT,
		step_number INT,
		status TEXT NOT NULL,
		result_table TEXT,
		result_record_id TEXT,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_completions (
		id BIGSERIAL PRIMARY KEY,
		company_id TEXT,
		company_domain TEXT,
		workflow_id TEXT NOT NULL,
		workflow_slug TEXT,
		step_number INT,
		result_table TEXT,
		result_record_id TEXT,
		completed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_progress (
		entity_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		step_number INT,
		state TEXT NOT NULL,
		batch_id TEXT,
		detail TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (entity_id, workflow_id)
	)`,
}

// Migrate creates the engine tables if they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	return nil
}
