package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/internal/services"
	"enrichment-engine/backend/internal/tasks"
	"enrichment-engine/backend/pkg/models"
)

func intPtr(i int) *int { return &i }

type queued struct {
	kind    string
	payload any
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []queued
}

func (q *recordingQueue) Enqueue(_ context.Context, kind string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queued{kind, payload})
	return nil
}

func (q *recordingQueue) kinds() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, t := range q.tasks {
		out = append(out, t.kind)
	}
	return out
}

type testServer struct {
	echo  *echo.Echo
	store *repository.MemoryStore
	queue *recordingQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.NewNop()
	store := repository.NewMemoryStore()
	queue := &recordingQueue{}
	invoker := services.NewHTTPInvoker(5 * time.Second)
	creds := services.Credentials{}

	fetcher := services.NewFetcher(store, logger)
	dispatcher := services.NewDispatcher(invoker, creds, 0, store, store, logger)
	h := NewHandler(Services{
		Orchestrator: services.NewOrchestrator(store, fetcher, dispatcher, logger),
		Fetcher:      fetcher,
		Router:       services.NewRouter(store, invoker, creds, queue, logger),
		Storage:      services.NewStorageWorker(store, store, store, queue, logger),
		Tracker:      services.NewTracker(store, store, invoker, creds, logger),
		Inspector:    services.NewInspector(store, store),
		Tasks:        queue,
	})

	e := NewEcho(logger)
	RegisterHandlers(e, h)
	RegisterDocs(e)
	return &testServer{echo: e, store: store, queue: queue}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	rec := newTestServer(t).do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestPreflightAnswers200(t *testing.T) {
	rec := newTestServer(t).do(http.MethodOptions, "/api/v1/callback", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Contains(t, rec.Header().Get(echo.HeaderAccessControlAllowHeaders), "content-type")
}

func TestOrchestrate(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer dest.Close()

	s := newTestServer(t)
	s.store.PutStep(&models.WorkflowStep{ID: "wf-1", Slug: "firmographics", OverallStepNumber: intPtr(1),
		Status: models.StepStatusActive, DestinationEndpointURL: dest.URL})

	rec := s.do(http.MethodPost, "/api/v1/orchestrate", `{"companies":[{"id":"c1","domain":"acme.com"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "done", out["state"])
	summary := out["summary"].(map[string]any)
	assert.Equal(t, float64(1), summary["records_found"])
	assert.Equal(t, float64(1), summary["success_count"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "c1", received[0]["company_id"])
}

func TestOrchestrateRejectsEmptyCompanies(t *testing.T) {
	rec := newTestServer(t).do(http.MethodPost, "/api/v1/orchestrate", `{"companies":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, float64(http.StatusBadRequest), decode(t, rec)["status"])
}

func TestOrchestrateMalformedBody(t *testing.T) {
	rec := newTestServer(t).do(http.MethodPost, "/api/v1/orchestrate", `{"companies":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetch(t *testing.T) {
	s := newTestServer(t)
	s.store.PutSourceRows("people",
		models.Record{"id": "p1", "company_id": "c1", "email": "a@acme.com"},
		models.Record{"id": "p2", "company_id": "c2", "email": "b@globex.com"},
	)

	rec := s.do(http.MethodPost, "/api/v1/fetch", `{
		"companies": [{"id": "c1"}],
		"workflow_config": {"id": "wf", "slug": "contacts", "status": "active", "source_table_name": "people", "source_table_company_fk": "company_id"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "source_records", out["kind"])
	assert.Equal(t, float64(1), out["record_count"])

	rec = s.do(http.MethodPost, "/api/v1/fetch", `{"companies": [{"id": "c1"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackArrayModeStoresEveryElement(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	s.store.PutStep(&models.WorkflowStep{ID: "wf-5", Slug: "people", Status: models.StepStatusActive,
		DestinationTableName: "people_found", SourceRecordArrayField: "people",
		StorageWorkerURL: srv.URL + "/api/v1/store"})

	rec := s.do(http.MethodPost, "/api/v1/callback", `{
		"workflow_id": "wf-5", "company_id": "c1", "company_domain": "acme.com",
		"people": [{"name": "Ada"}, {"name": "Grace"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "array", out["mode"])
	assert.Equal(t, float64(2), out["succeeded"])

	rows := s.store.Rows("people_found")
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, "c1", row["company_id"])
		assert.Equal(t, "acme.com", row["company_domain"])
	}
}

func TestCallbackSingleModeMirrorsWorker(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	s.store.PutStep(&models.WorkflowStep{ID: "wf-2", Slug: "profile", Status: models.StepStatusActive,
		DestinationTableName: "profiles", StorageWorkerURL: srv.URL + "/api/v1/store"})

	rec := s.do(http.MethodPost, "/api/v1/callback", `{"workflow_id":"wf-2","company_id":"c1","headcount":12}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["success"])
	require.Len(t, s.store.Rows("profiles"), 1)

	rec = s.do(http.MethodPost, "/api/v1/callback", `{"company_id":"c1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreUnknownWorkflowCarriesContext(t *testing.T) {
	rec := newTestServer(t).do(http.MethodPost, "/api/v1/store", `{"workflow_id":"ghost","company_id":"c1"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	problem := decode(t, rec)
	assert.Equal(t, "Not Found", problem["title"])
	assert.Equal(t, "ghost", problem["context"].(map[string]any)["workflow_id"])
}

func TestLogQueuesEntryAndAttempt(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/log", `{"workflow_id":"wf","company_id":"c1","status":"success","batch_id":"b1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{tasks.KindLogResult, tasks.KindBatchAttempt}, s.queue.kinds())

	attempt := s.queue.tasks[1].payload.(services.AttemptRequest)
	assert.Equal(t, services.AttemptRequest{BatchID: "b1", Succeeded: true}, attempt)

	rec = s.do(http.MethodPost, "/api/v1/log", `{"workflow_id":"wf","status":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadEndpoints(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	s.store.PutStep(&models.WorkflowStep{ID: "wf-1", Slug: "one", OverallStepNumber: intPtr(1), Status: models.StepStatusActive})
	require.NoError(t, s.store.CreateBatch(ctx, &models.Batch{ID: "b1", WorkflowID: "wf-1", RecordsSent: 3}))
	require.NoError(t, s.store.UpsertProgress(ctx, &models.Progress{EntityID: "c1", WorkflowID: "wf-1",
		StepNumber: intPtr(1), State: models.ProgressDispatched, BatchID: "b1"}))

	rec := s.do(http.MethodGet, "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var steps []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, "one", steps[0]["slug"])

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/workflows/wf-1", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/workflows/nope", "").Code)

	rec = s.do(http.MethodGet, "/api/v1/batches/b1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["records_sent"])
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/batches/missing", "").Code)

	rec = s.do(http.MethodGet, "/api/v1/entities/c1/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var progress []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	require.Len(t, progress, 1)
	assert.Equal(t, "dispatched", progress[0]["state"])
}

func TestDocs(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/openapi.yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "url: \"http://example.com\"")
	assert.NotContains(t, rec.Body.String(), "{serverURL}")

	rec = s.do(http.MethodGet, "/docs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/openapi.yaml")
}
