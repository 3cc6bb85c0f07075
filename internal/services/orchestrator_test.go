package services

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/pkg/models"
)

func newTestOrchestrator(store *repository.MemoryStore, delay time.Duration) *Orchestrator {
	logger := testLogger()
	return NewOrchestrator(store,
		NewFetcher(store, logger),
		NewDispatcher(NewHTTPInvoker(5*time.Second), Credentials{}, delay, store, store, logger),
		logger)
}

func TestOrchestratorPassthroughScenario(t *testing.T) {
	dest := newDestination(t, nil)
	store := repository.NewMemoryStore()
	store.PutStep(&models.WorkflowStep{ID: "wf-2", Slug: "firmographics", OverallStepNumber: intPtr(2), Status: models.StepStatusActive,
		DestinationEndpointURL: dest.URL})
	store.PutStep(&models.WorkflowStep{ID: "wf-3", Slug: "profile", OverallStepNumber: intPtr(3), Status: models.StepStatusActive,
		DestinationEndpointURL: dest.URL})

	o := newTestOrchestrator(store, 100*time.Millisecond)
	start := time.Now()
	out, err := o.Run(context.Background(), OrchestrateRequest{
		Companies:         []models.Entity{{ID: "c1", Domain: "acme.com"}, {ID: "c2", Domain: "globex.com"}},
		LastCompletedStep: intPtr(2),
	})
	require.NoError(t, err)

	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, []State{StateSelectStep, StateFetching, StateDispatching, StateDone}, out.Path)
	assert.True(t, out.Success)
	assert.Equal(t, "wf-3", out.Step.ID)
	assert.Equal(t, FetchEntityPassthrough, out.Summary.Kind)
	assert.Equal(t, 2, out.Summary.RecordsFound)
	assert.Equal(t, 2, dest.calls())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestOrchestratorSourceRecords(t *testing.T) {
	dest := newDestination(t, nil)
	store := repository.NewMemoryStore()
	store.PutStep(&models.WorkflowStep{ID: "wf-1", Slug: "contacts", OverallStepNumber: intPtr(1), Status: models.StepStatusActive,
		SourceTableName: "people", SourceTableCompanyFK: "company_id", SourceTableSelectColumns: "id, company_id, email",
		DestinationEndpointURL: dest.URL})
	store.PutSourceRows("people",
		models.Record{"id": "p1", "company_id": "c1", "email": "a@acme.com", "phone": "1"},
		models.Record{"id": "p2", "company_id": "c1", "email": "b@acme.com", "phone": "2"},
		models.Record{"id": "p3", "company_id": "c2", "email": "c@globex.com", "phone": "3"},
	)

	out, err := newTestOrchestrator(store, 0).Run(context.Background(), OrchestrateRequest{
		Companies: []models.Entity{{ID: "c1", Name: "Acme"}},
	})
	require.NoError(t, err)
	assert.Equal(t, FetchSourceRecords, out.Summary.Kind)
	assert.Equal(t, 2, out.Summary.RecordsFound)
	require.Equal(t, 2, dest.calls())

	body := dest.body(0)
	assert.Equal(t, "p1", body["source_record_id"])
	assert.Equal(t, "Acme", body["company_name"])
	assert.NotContains(t, body, "phone")
}

func TestOrchestratorSkipsInactiveSteps(t *testing.T) {
	dest := newDestination(t, nil)
	store := repository.NewMemoryStore()
	store.PutStep(&models.WorkflowStep{ID: "wf-1", Slug: "one", OverallStepNumber: intPtr(1), Status: models.StepStatusActive, DestinationEndpointURL: dest.URL})
	store.PutStep(&models.WorkflowStep{ID: "wf-2", Slug: "two", OverallStepNumber: intPtr(2), Status: models.StepStatusDeprecated, DestinationEndpointURL: dest.URL})
	store.PutStep(&models.WorkflowStep{ID: "wf-3", Slug: "three", OverallStepNumber: intPtr(3), Status: models.StepStatusDraft, DestinationEndpointURL: dest.URL})
	store.PutStep(&models.WorkflowStep{ID: "wf-4", Slug: "four", OverallStepNumber: intPtr(4), Status: models.StepStatusActive, DestinationEndpointURL: dest.URL})

	out, err := newTestOrchestrator(store, 0).Run(context.Background(), OrchestrateRequest{
		Companies: []models.Entity{{ID: "c1"}}, LastCompletedStep: intPtr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "wf-4", out.Step.ID)
}

func TestOrchestratorTermination(t *testing.T) {
	store := repository.NewMemoryStore()
	o := newTestOrchestrator(store, 0)
	companies := []models.Entity{{ID: "c1"}}

	t.Run("no active workflows at all is an error", func(t *testing.T) {
		out, err := o.Run(context.Background(), OrchestrateRequest{Companies: companies})
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, StatusCode(err))
		assert.Equal(t, StateError, out.State)
	})

	store.PutStep(&models.WorkflowStep{ID: "wf-1", Slug: "one", OverallStepNumber: intPtr(1), Status: models.StepStatusActive})

	t.Run("nothing after the last step completes the pipeline", func(t *testing.T) {
		out, err := o.Run(context.Background(), OrchestrateRequest{Companies: companies, LastCompletedStep: intPtr(1)})
		require.NoError(t, err)
		assert.Equal(t, StatePipelineComplete, out.State)
		assert.True(t, out.Success)
		assert.Contains(t, out.Message, "pipeline complete")
	})

	t.Run("step without destination", func(t *testing.T) {
		out, err := o.Run(context.Background(), OrchestrateRequest{Companies: companies})
		require.NoError(t, err)
		assert.Equal(t, StateNoDestination, out.State)
		assert.Equal(t, []State{StateSelectStep, StateNoDestination}, out.Path)
		assert.True(t, out.Success)
	})

	t.Run("empty companies", func(t *testing.T) {
		_, err := o.Run(context.Background(), OrchestrateRequest{})
		assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	})

	t.Run("unknown explicit workflow", func(t *testing.T) {
		_, err := o.Run(context.Background(), OrchestrateRequest{Companies: companies, Workflow: &WorkflowRef{ID: "nope"}})
		assert.Equal(t, http.StatusNotFound, StatusCode(err))
	})

	t.Run("explicit workflow must be active", func(t *testing.T) {
		dest := newDestination(t, nil)
		for _, status := range []models.StepStatus{models.StepStatusDeprecated, models.StepStatusInactive, models.StepStatusDraft} {
			id := "wf-" + string(status)
			store.PutStep(&models.WorkflowStep{ID: id, Slug: id, OverallStepNumber: intPtr(9), Status: status,
				DestinationEndpointURL: dest.URL})
			out, err := o.Run(context.Background(), OrchestrateRequest{Companies: companies, Workflow: &WorkflowRef{ID: id}})
			require.Error(t, err, status)
			assert.Equal(t, http.StatusBadRequest, StatusCode(err))
			assert.Equal(t, []State{StateSelectStep, StateError}, out.Path)

			var svcErr *Error
			require.ErrorAs(t, err, &svcErr)
			assert.Equal(t, string(status), svcErr.Context["status"])
		}
		assert.Zero(t, dest.calls())
	})

	t.Run("invalid configuration is rejected before dispatch", func(t *testing.T) {
		store.PutStep(&models.WorkflowStep{ID: "wf-bad", Slug: "bad", Status: models.StepStatusActive,
			SourceTableName: "people", DestinationEndpointURL: "http://127.0.0.1:1"})
		out, err := o.Run(context.Background(), OrchestrateRequest{Companies: companies, Workflow: &WorkflowRef{ID: "wf-bad"}})
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, StatusCode(err))
		assert.Equal(t, []State{StateSelectStep, StateError}, out.Path)
	})
}

func TestOrchestratorFetchFailureCarriesContext(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutStep(&models.WorkflowStep{ID: "wf-1", Slug: "contacts", OverallStepNumber: intPtr(1), Status: models.StepStatusActive,
		SourceTableName: "missing_table", SourceTableCompanyFK: "company_id", DestinationEndpointURL: "http://127.0.0.1:1"})

	_, err := newTestOrchestrator(store, 0).Run(context.Background(), OrchestrateRequest{Companies: []models.Entity{{ID: "c1"}}})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))

	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "missing_table", svcErr.Context["table"])
	assert.Equal(t, "company_id", svcErr.Context["company_fk"])
}
