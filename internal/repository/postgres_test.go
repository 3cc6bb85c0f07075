package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"enrichment-engine/backend/internal/database"
	"enrichment-engine/backend/pkg/models"
)

func intPtr(i int) *int { return &i }

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(ctx, pool))
	return pool
}

func TestPostgresStores(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)

	workflows := NewPostgresWorkflowStore(pool)
	sources := NewPostgresSourceStore(pool)
	records := NewPostgresRecordStore(pool)
	tracking := NewPostgresTrackingStore(pool)

	_, err := pool.Exec(ctx, `
		CREATE TABLE company_contacts (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			company_id TEXT NOT NULL,
			email TEXT,
			score NUMERIC
		);
		CREATE TABLE company_profiles (
			id BIGSERIAL PRIMARY KEY,
			company_domain TEXT UNIQUE,
			headcount INT,
			company_id TEXT
		);`)
	require.NoError(t, err)

	t.Run("Next step skips inactive and deprecated steps", func(t *testing.T) {
		steps := []*models.WorkflowStep{
			{ID: "wf-1", Slug: "firmographics", OverallStepNumber: intPtr(1), Status: models.StepStatusActive},
			{ID: "wf-2", Slug: "legacy", OverallStepNumber: intPtr(2), Status: models.StepStatusDeprecated},
			{ID: "wf-3", Slug: "contacts", OverallStepNumber: intPtr(3), Status: models.StepStatusActive,
				DestinationConfig: models.DestinationConfig{FieldMappings: map[string]string{"email": "contact.email"}}},
			{ID: "wf-x", Slug: "adhoc", Status: models.StepStatusDraft},
		}
		for _, s := range steps {
			require.NoError(t, workflows.UpsertStep(ctx, s))
		}

		next, err := workflows.GetNextStep(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, "wf-3", next.ID)
		assert.Equal(t, "contact.email", next.FieldMappings["email"])

		none, err := workflows.GetNextStep(ctx, 3)
		assert.NoError(t, err)
		assert.Nil(t, none)

		all, err := workflows.ListSteps(ctx)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "wf-x", all[3].ID)

		_, err = workflows.GetStep(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Provider variant", func(t *testing.T) {
		require.NoError(t, workflows.UpsertProviderVariant(ctx, &models.ProviderVariant{
			WorkflowID: "wf-3", EnrichmentProvider: "apollo", DestinationTableName: "apollo_contacts",
		}))
		v, err := workflows.GetProviderVariant(ctx, "wf-3", "apollo")
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, "apollo_contacts", v.DestinationTableName)

		v, err = workflows.GetProviderVariant(ctx, "wf-3", "clearbit")
		assert.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("Fetch by company", func(t *testing.T) {
		_, err := pool.Exec(ctx, `INSERT INTO company_contacts (company_id, email, score) VALUES
			('c1', 'a@one.com', 1.5), ('c1', 'b@one.com', 2), ('c2', 'c@two.com', NULL), ('c3', 'd@three.com', 0)`)
		require.NoError(t, err)

		rows, err := sources.FetchByCompany(ctx, SourceQuery{
			Table: "company_contacts", CompanyFK: "company_id", CompanyIDs: []string{"c1", "c2"},
		})
		require.NoError(t, err)
		assert.Len(t, rows, 3)
		for _, r := range rows {
			_, err := uuid.Parse(r.String("id"))
			assert.NoError(t, err)
		}

		rows, err = sources.FetchByCompany(ctx, SourceQuery{
			Table: "company_contacts", CompanyFK: "company_id", SelectColumns: "email, score", CompanyIDs: []string{"c1"},
		})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.NotContains(t, rows[0], "id")
		assert.Contains(t, []any{1.5, 2.0}, rows[0]["score"])

		_, err = sources.FetchByCompany(ctx, SourceQuery{Table: "nope", CompanyFK: "company_id", CompanyIDs: []string{"c1"}})
		assert.Error(t, err)
	})

	t.Run("Upsert on conflict column is idempotent", func(t *testing.T) {
		opts := InsertOptions{ConflictColumn: "company_domain"}
		id1, err := records.Insert(ctx, "company_profiles", models.Record{"company_domain": "acme.com", "headcount": 10}, opts)
		require.NoError(t, err)
		id2, err := records.Insert(ctx, "company_profiles", models.Record{"company_domain": "acme.com", "headcount": 12}, opts)
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		var headcount, count int
		require.NoError(t, pool.QueryRow(ctx, `SELECT headcount, (SELECT COUNT(*) FROM company_profiles) FROM company_profiles WHERE company_domain = 'acme.com'`).Scan(&headcount, &count))
		assert.Equal(t, 12, headcount)
		assert.Equal(t, 1, count)

		_, err = records.Insert(ctx, "company_profiles", models.Record{"no_such_column": 1}, InsertOptions{})
		assert.Error(t, err)
	})

	t.Run("Raw payload", func(t *testing.T) {
		_, err := pool.Exec(ctx, `CREATE TABLE raw_payloads (id BIGSERIAL PRIMARY KEY, workflow_id TEXT, company_id TEXT, payload JSONB)`)
		require.NoError(t, err)
		require.NoError(t, records.InsertRawPayload(ctx, "raw_payloads", "wf-3", "c1", models.Record{"k": "v"}))

		var payload map[string]any
		require.NoError(t, pool.QueryRow(ctx, `SELECT payload FROM raw_payloads`).Scan(&payload))
		assert.Equal(t, "v", payload["k"])
	})

	t.Run("Batch completes exactly once", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, tracking.CreateBatch(ctx, &models.Batch{ID: id, WorkflowID: "wf-1", StepNumber: 1, RecordsSent: 5}))
		b, err := tracking.FinalizeSent(ctx, id, 5)
		require.NoError(t, err)
		assert.Equal(t, models.BatchStatusInProgress, b.Status)

		for i := 0; i < 4; i++ {
			b, err = tracking.IncrementReceived(ctx, id, i == 0)
			require.NoError(t, err)
			assert.Equal(t, models.BatchStatusInProgress, b.Status)
		}
		b, err = tracking.IncrementReceived(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, models.BatchStatusCompleted, b.Status)
		require.NotNil(t, b.CompletedAt)
		completedAt := *b.CompletedAt

		b, err = tracking.IncrementReceived(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, 6, b.RecordsReceived)
		assert.Equal(t, 1, b.RecordsFailed)
		assert.Equal(t, models.BatchStatusCompleted, b.Status)
		assert.True(t, completedAt.Equal(*b.CompletedAt))

		_, err = tracking.IncrementReceived(ctx, "missing", false)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Concurrent callbacks lose no increments", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, tracking.CreateBatch(ctx, &models.Batch{ID: id, WorkflowID: "wf-1", RecordsSent: 20}))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := tracking.IncrementReceived(ctx, id, false)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		b, err := tracking.GetBatch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 20, b.RecordsReceived)
		assert.Equal(t, models.BatchStatusCompleted, b.Status)
	})

	t.Run("Results and progress", func(t *testing.T) {
		entry := &models.ResultEntry{CompanyID: "c1", WorkflowID: "wf-1", StepNumber: intPtr(1),
			Status: models.ResultStatusSuccess, ResultTable: "company_profiles", ResultRecordID: "1"}
		require.NoError(t, tracking.AppendResult(ctx, entry))
		assert.NotEmpty(t, entry.ID)
		require.NoError(t, tracking.AppendCompletion(ctx, entry))

		require.NoError(t, tracking.UpsertProgress(ctx, &models.Progress{EntityID: "c1", WorkflowID: "wf-1",
			StepNumber: intPtr(1), State: models.ProgressDispatched, BatchID: "b1"}))
		require.NoError(t, tracking.UpsertProgress(ctx, &models.Progress{EntityID: "c1", WorkflowID: "wf-1",
			StepNumber: intPtr(1), State: models.ProgressStored}))

		progress, err := tracking.ListProgress(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, progress, 1)
		assert.Equal(t, models.ProgressStored, progress[0].State)
		assert.Equal(t, "b1", progress[0].BatchID)
	})
}
