package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"enrichment-engine/backend/pkg/models"
)

// MemoryStore is an in-process implementation of every store interface. It
// backs local development (db.workspace.url = memory://) and tests.
type MemoryStore struct {
	mu sync.Mutex

	steps    map[string]*models.WorkflowStep
	variants map[string]*models.ProviderVariant
	sources  map[string][]models.Record
	tables   map[string][]models.Record
	raw      map[string][]models.Record
	batches  map[string]*models.Batch
	results  []*models.ResultEntry
	done     []*models.ResultEntry
	progress map[string]*models.Progress

	nextID int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps:    make(map[string]*models.WorkflowStep),
		variants: make(map[string]*models.ProviderVariant),
		sources:  make(map[string][]models.Record),
		tables:   make(map[string][]models.Record),
		raw:      make(map[string][]models.Record),
		batches:  make(map[string]*models.Batch),
		progress: make(map[string]*models.Progress),
	}
}

// PutStep adds or replaces a workflow step.
func (m *MemoryStore) PutStep(step *models.WorkflowStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.ID] = &cp
}

// PutProviderVariant adds or replaces a provider override.
func (m *MemoryStore) PutProviderVariant(v *models.ProviderVariant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.variants[v.WorkflowID+"/"+v.EnrichmentProvider] = &cp
}

// PutSourceRows appends rows to a source table.
func (m *MemoryStore) PutSourceRows(table string, rows ...models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[table] = append(m.sources[table], rows...)
}

// Rows returns a copy of the rows written to a destination table.
func (m *MemoryStore) Rows(table string) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Record, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// RawPayloads returns the payloads persisted to a raw payload table.
func (m *MemoryStore) RawPayloads(table string) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Record(nil), m.raw[table]...)
}

// Results returns the results log.
func (m *MemoryStore) Results() []*models.ResultEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.ResultEntry(nil), m.results...)
}

// Completions returns the step-completion log.
func (m *MemoryStore) Completions() []*models.ResultEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.ResultEntry(nil), m.done...)
}

func (m *MemoryStore) GetStep(ctx context.Context, id string) (*models.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	cp := *step
	return &cp, nil
}

func (m *MemoryStore) GetNextStep(ctx context.Context, afterStepNumber int) (*models.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *models.WorkflowStep
	for _, step := range m.steps {
		if step.Status != models.StepStatusActive || step.OverallStepNumber == nil {
			continue
		}
		if *step.OverallStepNumber <= afterStepNumber {
			continue
		}
		if next == nil || *step.OverallStepNumber < *next.OverallStepNumber {
			next = step
		}
	}
	if next == nil {
		return nil, nil
	}
	cp := *next
	return &cp, nil
}

func (m *MemoryStore) ListSteps(ctx context.Context) ([]*models.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make([]*models.WorkflowStep, 0, len(m.steps))
	for _, s := range m.steps {
		cp := *s
		steps = append(steps, &cp)
	}
	sort.Slice(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		if a.InPipeline() != b.InPipeline() {
			return a.InPipeline()
		}
		if a.StepNumber() != b.StepNumber() {
			return a.StepNumber() < b.StepNumber()
		}
		return a.Slug < b.Slug
	})
	return steps, nil
}

func (m *MemoryStore) GetProviderVariant(ctx context.Context, workflowID, provider string) (*models.ProviderVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[workflowID+"/"+provider]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) FetchByCompany(ctx context.Context, q SourceQuery) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.sources[q.Table]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", q.Table)
	}
	ids := make(map[string]bool, len(q.CompanyIDs))
	for _, id := range q.CompanyIDs {
		ids[id] = true
	}
	columns := selectedColumns(q.SelectColumns)

	out := []models.Record{}
	for _, r := range rows {
		if !ids[r.String(q.CompanyFK)] {
			continue
		}
		if columns == nil {
			out = append(out, r.Clone())
			continue
		}
		rec := make(models.Record, len(columns))
		for _, c := range columns {
			v, ok := r[c]
			if !ok {
				return nil, fmt.Errorf("column %q does not exist on %q", c, q.Table)
			}
			rec[c] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

func selectedColumns(columns string) []string {
	columns = strings.TrimSpace(columns)
	if columns == "" || columns == "*" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(columns, ",") {
		if c = strings.TrimSpace(c); c == "*" {
			return nil
		} else if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (m *MemoryStore) Insert(ctx context.Context, table string, row models.Record, opts InsertOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(row) == 0 {
		return "", fmt.Errorf("insert into %s: no columns", table)
	}

	if opts.ConflictColumn != "" {
		key := row.String(opts.ConflictColumn)
		for _, existing := range m.tables[table] {
			if key != "" && existing.String(opts.ConflictColumn) == key {
				for k, v := range row {
					existing[k] = v
				}
				return existing.String("id"), nil
			}
		}
	}

	rec := row.Clone()
	m.nextID++
	id := strconv.Itoa(m.nextID)
	rec["id"] = id
	m.tables[table] = append(m.tables[table], rec)
	return id, nil
}

func (m *MemoryStore) InsertRawPayload(ctx context.Context, table, workflowID, companyID string, payload models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[table] = append(m.raw[table], models.Record{
		"workflow_id": workflowID,
		"company_id":  companyID,
		"payload":     payload.Clone(),
	})
	return nil
}

func (m *MemoryStore) CreateBatch(ctx context.Context, b *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[b.ID]; exists {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	if b.Status == "" {
		b.Status = models.BatchStatusInProgress
	}
	b.CreatedAt = time.Now()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *MemoryStore) FinalizeSent(ctx context.Context, id string, sent int) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	b.RecordsSent = sent
	completeIfDone(b)
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) IncrementReceived(ctx context.Context, id string, failed bool) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	b.RecordsReceived++
	if failed {
		b.RecordsFailed++
	}
	completeIfDone(b)
	cp := *b
	return &cp, nil
}

func completeIfDone(b *models.Batch) {
	if b.Status == models.BatchStatusCompleted || b.RecordsReceived < b.RecordsSent {
		return
	}
	now := time.Now()
	b.Status = models.BatchStatusCompleted
	b.CompletedAt = &now
}

func (m *MemoryStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) AppendResult(ctx context.Context, e *models.ResultEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = strconv.Itoa(m.nextID)
	e.CreatedAt = time.Now()
	cp := *e
	m.results = append(m.results, &cp)
	return nil
}

func (m *MemoryStore) AppendCompletion(ctx context.Context, e *models.ResultEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.done = append(m.done, &cp)
	return nil
}

func (m *MemoryStore) UpsertProgress(ctx context.Context, p *models.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.EntityID + "/" + p.WorkflowID
	p.UpdatedAt = time.Now()
	cp := *p
	if prev, ok := m.progress[key]; ok && cp.BatchID == "" {
		cp.BatchID = prev.BatchID
	}
	m.progress[key] = &cp
	return nil
}

func (m *MemoryStore) ListProgress(ctx context.Context, entityID string) ([]*models.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Progress
	for _, p := range m.progress {
		if p.EntityID == entityID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StepNumber, out[j].StepNumber
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	return out, nil
}

var (
	_ WorkflowStore = (*MemoryStore)(nil)
	_ SourceStore   = (*MemoryStore)(nil)
	_ RecordStore   = (*MemoryStore)(nil)
	_ BatchStore    = (*MemoryStore)(nil)
	_ ResultLog     = (*MemoryStore)(nil)
	_ ProgressStore = (*MemoryStore)(nil)

	_ WorkflowStore = (*PostgresWorkflowStore)(nil)
	_ SourceStore   = (*PostgresSourceStore)(nil)
	_ RecordStore   = (*PostgresRecordStore)(nil)
	_ BatchStore    = (*PostgresTrackingStore)(nil)
	_ ResultLog     = (*PostgresTrackingStore)(nil)
	_ ProgressStore = (*PostgresTrackingStore)(nil)
)
