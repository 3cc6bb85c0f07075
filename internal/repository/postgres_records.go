package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"enrichment-engine/backend/pkg/models"
)

// quoteTable quotes a possibly schema-qualified table name.
func quoteTable(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("table name is empty")
	}
	parts := strings.Split(name, ".")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

func quoteColumn(name string) string {
	return pgx.Identifier{strings.TrimSpace(name)}.Sanitize()
}

// selectList turns a comma separated column list into a quoted select list.
// An empty list or "*" selects every column.
func selectList(columns string) string {
	columns = strings.TrimSpace(columns)
	if columns == "" || columns == "*" {
		return "*"
	}
	var quoted []string
	for _, c := range strings.Split(columns, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if c == "*" {
			return "*"
		}
		quoted = append(quoted, quoteColumn(c))
	}
	if len(quoted) == 0 {
		return "*"
	}
	return strings.Join(quoted, ", ")
}

// PostgresSourceStore reads source rows from the source-of-truth database.
type PostgresSourceStore struct {
	db *pgxpool.Pool
}

// NewPostgresSourceStore creates a new PostgresSourceStore.
func NewPostgresSourceStore(db *pgxpool.Pool) *PostgresSourceStore {
	return &PostgresSourceStore{db: db}
}

// FetchByCompany returns the rows of q.Table whose company FK is one of
// q.CompanyIDs.
func (s *PostgresSourceStore) FetchByCompany(ctx context.Context, q SourceQuery) ([]models.Record, error) {
	table, err := quoteTable(q.Table)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(q.CompanyFK) == "" {
		return nil, errors.New("company fk column is empty")
	}
	if len(q.CompanyIDs) == 0 {
		return []models.Record{}, nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s::text = ANY($1)",
		selectList(q.SelectColumns), table, quoteColumn(q.CompanyFK))
	rows, err := s.db.Query(ctx, query, q.CompanyIDs)
	if err != nil {
		return nil, err
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	records := make([]models.Record, 0, len(maps))
	for _, m := range maps {
		records = append(records, normalizeRow(m))
	}
	return records, nil
}

// normalizeRow converts driver values that do not encode naturally to JSON.
func normalizeRow(m map[string]any) models.Record {
	out := make(models.Record, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case [16]byte:
			out[k] = uuid.UUID(t).String()
		case pgtype.Numeric:
			f, err := t.Float64Value()
			if err == nil && f.Valid {
				out[k] = f.Float64
			} else {
				out[k] = nil
			}
		default:
			out[k] = v
		}
	}
	return out
}

// PostgresRecordStore writes destination rows into the workspace database.
type PostgresRecordStore struct {
	db *pgxpool.Pool
}

// NewPostgresRecordStore creates a new PostgresRecordStore.
func NewPostgresRecordStore(db *pgxpool.Pool) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

// Insert writes row into table, upserting on opts.ConflictColumn when set.
// The table must expose an id column; its value is returned as text.
func (s *PostgresRecordStore) Insert(ctx context.Context, table string, row models.Record, opts InsertOptions) (string, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return "", err
	}
	if len(row) == 0 {
		return "", fmt.Errorf("insert into %s: no columns", table)
	}

	columns := make([]string, 0, len(row))
	for c := range row {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	quotedCols := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, c := range columns {
		quotedCols[i] = quoteColumn(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)", quoted, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
	if opts.ConflictColumn != "" {
		updates := make([]string, len(quotedCols))
		for i, qc := range quotedCols {
			updates[i] = fmt.Sprintf("%s = EXCLUDED.%s", qc, qc)
		}
		fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET %s", quoteColumn(opts.ConflictColumn), strings.Join(updates, ", "))
	}
	sb.WriteString(" RETURNING id::text")

	var id string
	if err := s.db.QueryRow(ctx, sb.String(), args...).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// InsertRawPayload persists a provider payload as jsonb.
func (s *PostgresRecordStore) InsertRawPayload(ctx context.Context, table, workflowID, companyID string, payload models.Record) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (workflow_id, company_id, payload) VALUES ($1, NULLIF($2, ''), $3)", quoted)
	_, err = s.db.Exec(ctx, query, workflowID, companyID, map[string]any(payload))
	return err
}
