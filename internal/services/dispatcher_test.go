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

func TestDispatchPassthroughIsThrottled(t *testing.T) {
	ctx := context.Background()
	dest := newDestination(t, nil)
	store := repository.NewMemoryStore()
	delay := 50 * time.Millisecond

	d := NewDispatcher(NewHTTPInvoker(5*time.Second), Credentials{}, delay, store, store, testLogger())
	step := &models.WorkflowStep{
		ID: "wf-3", Slug: "company-profile", OverallStepNumber: intPtr(3), Status: models.StepStatusActive,
		DestinationEndpointURL: dest.URL, ReceiverURL: "https://engine.example.com/api/v1/callback",
	}
	entities := []models.Entity{{ID: "c1", Name: "Acme", Domain: "acme.com"}, {ID: "c2", Name: "Globex", Domain: "globex.com"}}
	fetched, err := NewFetcher(store, testLogger()).Fetch(ctx, step, entities)
	require.NoError(t, err)
	assert.Equal(t, FetchEntityPassthrough, fetched.Kind)

	start := time.Now()
	summary, err := d.Dispatch(ctx, step, fetched)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, 2, summary.RecordsFound)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 0, summary.FailCount)
	assert.Equal(t, 2, dest.calls())
	assert.GreaterOrEqual(t, elapsed, delay)
	assert.GreaterOrEqual(t, dest.gap(0, 1), delay)

	first := dest.body(0)
	assert.Equal(t, "c1", first["source_record_id"])
	assert.Equal(t, "wf-3", first["workflow_id"])
	assert.Equal(t, "company-profile", first["workflow_slug"])
	assert.Equal(t, step.ReceiverURL, first["receiver_url"])
	assert.Equal(t, "acme.com", first["company_domain"])
	assert.Equal(t, summary.BatchID, first["batch_id"])
	assert.Empty(t, dest.header(0).Get("Authorization"))

	batch, err := store.GetBatch(ctx, summary.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.RecordsSent)
	assert.Equal(t, 3, batch.StepNumber)
	assert.Equal(t, models.BatchStatusInProgress, batch.Status)

	progress, err := store.ListProgress(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, models.ProgressDispatched, progress[0].State)
}

func TestDispatchFailuresAreRecordedNotRetried(t *testing.T) {
	ctx := context.Background()
	dest := newDestination(t, func(n int, body map[string]any) (int, any) {
		if body["email"] == "bad@acme.com" {
			return http.StatusTooManyRequests, map[string]any{"error": "slow down"}
		}
		return http.StatusAccepted, nil
	})
	store := repository.NewMemoryStore()
	d := NewDispatcher(NewHTTPInvoker(5*time.Second), Credentials{}, time.Millisecond, store, store, testLogger())

	step := &models.WorkflowStep{ID: "wf-4", Slug: "contacts", DestinationEndpointURL: dest.URL,
		SourceTableName: "people", SourceTableCompanyFK: "company_id"}
	fetched := &FetchResult{
		Kind: FetchSourceRecords,
		Records: []models.Record{
			{"id": "p1", "company_id": "c1", "email": "ok@acme.com"},
			{"id": "p2", "company_id": "c1", "email": "bad@acme.com"},
			{"id": "p3", "company_id": "c1", "email": "ok2@acme.com"},
		},
		Entities: []models.Entity{{ID: "c1", Domain: "acme.com"}},
	}

	summary, err := d.Dispatch(ctx, step, fetched)
	require.NoError(t, err)
	assert.Equal(t, 3, dest.calls())
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailCount)
	require.Len(t, summary.Results, 3)
	assert.False(t, summary.Results[1].Success)
	assert.Equal(t, http.StatusTooManyRequests, summary.Results[1].StatusCode)
	assert.Contains(t, summary.Results[1].Error, "slow down")
	assert.Equal(t, "c1", dest.body(0)["company_id"])

	batch, err := store.GetBatch(ctx, summary.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.RecordsSent)
}

func TestDispatchInternalDestinationGetsServiceKey(t *testing.T) {
	dest := newDestination(t, nil)
	creds := Credentials{InternalMarker: "/functions/v1/", ServiceKey: "svc-key"}
	d := NewDispatcher(NewHTTPInvoker(5*time.Second), creds, 0, nil, nil, testLogger())

	step := &models.WorkflowStep{ID: "wf-1", Slug: "internal", DestinationEndpointURL: dest.URL + "/functions/v1/enrich"}
	summary, err := d.Dispatch(context.Background(), step, &FetchResult{
		Kind: FetchEntityPassthrough, Records: []models.Record{{"id": "c1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Empty(t, summary.BatchID)
	assert.Equal(t, "Bearer svc-key", dest.header(0).Get("Authorization"))
}

func TestDispatchTimeoutIsAFailure(t *testing.T) {
	dest := newDestination(t, func(int, map[string]any) (int, any) {
		time.Sleep(200 * time.Millisecond)
		return http.StatusOK, nil
	})
	d := NewDispatcher(NewHTTPInvoker(50*time.Millisecond), Credentials{}, 0, nil, nil, testLogger())

	step := &models.WorkflowStep{ID: "wf-1", Slug: "slow", DestinationEndpointURL: dest.URL}
	summary, err := d.Dispatch(context.Background(), step, &FetchResult{Records: []models.Record{{"id": "c1"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FailCount)
	assert.NotEmpty(t, summary.Results[0].Error)
}

func TestDispatchWithoutDestination(t *testing.T) {
	d := NewDispatcher(NewHTTPInvoker(time.Second), Credentials{}, 0, nil, nil, testLogger())
	summary, err := d.Dispatch(context.Background(), &models.WorkflowStep{ID: "wf-9", Slug: "manual-review"},
		&FetchResult{Records: []models.Record{{"id": "c1"}}})
	require.NoError(t, err)
	assert.True(t, summary.NoDestination)
	assert.Equal(t, 0, summary.SuccessCount)
}

func TestCredentialsHeadersFor(t *testing.T) {
	creds := Credentials{InternalMarker: "/functions/v1/", ServiceKey: "k"}
	assert.Nil(t, creds.HeadersFor("https://api.provider.com/v1/enrich"))
	assert.Equal(t, map[string]string{"Authorization": "Bearer k"},
		creds.HeadersFor("https://project.example.co/functions/v1/store"))
	assert.Nil(t, Credentials{InternalMarker: "/functions/v1/"}.HeadersFor("https://x/functions/v1/store"))
}
