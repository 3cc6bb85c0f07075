package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"enrichment-engine/backend/pkg/models"
)

const batchColumns = `id::text, workflow_id, step_number, records_sent, records_received, records_failed, status, created_at, completed_at`

// PostgresTrackingStore implements BatchStore, ResultLog and ProgressStore on
// the workspace database.
type PostgresTrackingStore struct {
	db *pgxpool.Pool
}

// NewPostgresTrackingStore creates a new PostgresTrackingStore.
func NewPostgresTrackingStore(db *pgxpool.Pool) *PostgresTrackingStore {
	return &PostgresTrackingStore{db: db}
}

// CreateBatch inserts a new in-progress batch.
func (s *PostgresTrackingStore) CreateBatch(ctx context.Context, b *models.Batch) error {
	if b.Status == "" {
		b.Status = models.BatchStatusInProgress
	}
	return s.db.QueryRow(ctx, `
		INSERT INTO workflow_batches (id, workflow_id, step_number, records_sent, records_received, records_failed, status)
		VALUES ($1, $2, $3, $4, 0, 0, $5)
		RETURNING created_at`,
		b.ID, b.WorkflowID, b.StepNumber, b.RecordsSent, string(b.Status)).Scan(&b.CreatedAt)
}

// FinalizeSent records how many requests were actually sent.
func (s *PostgresTrackingStore) FinalizeSent(ctx context.Context, id string, sent int) (*models.Batch, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE workflow_batches SET
			records_sent = $2,
			status = CASE WHEN status = 'completed' OR records_received >= $2 THEN 'completed' ELSE status END,
			completed_at = CASE WHEN status <> 'completed' AND records_received >= $2 THEN NOW() ELSE completed_at END
		WHERE id::text = $1
		RETURNING `+batchColumns, id, sent)
	return scanBatch(row, id)
}

// IncrementReceived records one callback in a single statement. Every SET
// expression sees the pre-update row, so concurrent callbacks serialize on
// the row lock and no increment is lost.
func (s *PostgresTrackingStore) IncrementReceived(ctx context.Context, id string, failed bool) (*models.Batch, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE workflow_batches SET
			records_received = records_received + 1,
			records_failed = records_failed + CASE WHEN $2 THEN 1 ELSE 0 END,
			status = CASE WHEN status = 'completed' OR records_received + 1 >= records_sent THEN 'completed' ELSE status END,
			completed_at = CASE WHEN status <> 'completed' AND records_received + 1 >= records_sent THEN NOW() ELSE completed_at END
		WHERE id::text = $1
		RETURNING `+batchColumns, id, failed)
	return scanBatch(row, id)
}

// GetBatch retrieves a batch by its ID.
func (s *PostgresTrackingStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	row := s.db.QueryRow(ctx, "SELECT "+batchColumns+" FROM workflow_batches WHERE id::text = $1", id)
	return scanBatch(row, id)
}

func scanBatch(row pgx.Row, id string) (*models.Batch, error) {
	var (
		b      models.Batch
		status string
	)
	err := row.Scan(&b.ID, &b.WorkflowID, &b.StepNumber, &b.RecordsSent, &b.RecordsReceived, &b.RecordsFailed,
		&status, &b.CreatedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.Status = models.BatchStatus(status)
	return &b, nil
}

// AppendResult appends a row to the results log.
func (s *PostgresTrackingStore) AppendResult(ctx context.Context, e *models.ResultEntry) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO workflow_results (company_id, company_domain, workflow_id, workflow_slug, step_number,
			status, result_table, result_record_id, error)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
		RETURNING id::text, created_at`,
		e.CompanyID, e.CompanyDomain, e.WorkflowID, e.WorkflowSlug, e.StepNumber,
		string(e.Status), e.ResultTable, e.ResultRecordID, e.Error).Scan(&e.ID, &e.CreatedAt)
}

// AppendCompletion appends a row to the step-completion log.
func (s *PostgresTrackingStore) AppendCompletion(ctx context.Context, e *models.ResultEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_completions (company_id, company_domain, workflow_id, workflow_slug, step_number,
			result_table, result_record_id)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''))`,
		e.CompanyID, e.CompanyDomain, e.WorkflowID, e.WorkflowSlug, e.StepNumber, e.ResultTable, e.ResultRecordID)
	return err
}

// UpsertProgress records the latest state of an entity at a workflow step.
func (s *PostgresTrackingStore) UpsertProgress(ctx context.Context, p *models.Progress) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO pipeline_progress (entity_id, workflow_id, step_number, state, batch_id, detail, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NOW())
		ON CONFLICT (entity_id, workflow_id) DO UPDATE SET
			step_number = EXCLUDED.step_number, state = EXCLUDED.state,
			batch_id = COALESCE(EXCLUDED.batch_id, pipeline_progress.batch_id),
			detail = EXCLUDED.detail, updated_at = NOW()
		RETURNING updated_at`,
		p.EntityID, p.WorkflowID, p.StepNumber, string(p.State), p.BatchID, p.Detail).Scan(&p.UpdatedAt)
}

// ListProgress returns every step state recorded for an entity.
func (s *PostgresTrackingStore) ListProgress(ctx context.Context, entityID string) ([]*models.Progress, error) {
	rows, err := s.db.Query(ctx, `
		SELECT entity_id, workflow_id, step_number, state, COALESCE(batch_id, ''), COALESCE(detail, ''), updated_at
		FROM pipeline_progress
		WHERE entity_id = $1
		ORDER BY step_number ASC NULLS LAST, updated_at ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Progress
	for rows.Next() {
		var (
			p     models.Progress
			state string
		)
		if err := rows.Scan(&p.EntityID, &p.WorkflowID, &p.StepNumber, &state, &p.BatchID, &p.Detail, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.State = models.ProgressState(state)
		out = append(out, &p)
	}
	return out, rows.Err()
}
