package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/pkg/models"
)

func intPtr(i int) *int { return &i }

// destination is an httptest server that records every JSON body it gets.
type destination struct {
	*httptest.Server

	mu       sync.Mutex
	bodies   []map[string]any
	raw      [][]byte
	headers  []http.Header
	arrivals []time.Time
	respond  func(n int, body map[string]any) (int, any)
}

func newDestination(t *testing.T, respond func(n int, body map[string]any) (int, any)) *destination {
	t.Helper()
	d := &destination{respond: respond}
	d.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)

		d.mu.Lock()
		n := len(d.bodies)
		d.bodies = append(d.bodies, body)
		d.raw = append(d.raw, data)
		d.headers = append(d.headers, r.Header.Clone())
		d.arrivals = append(d.arrivals, time.Now())
		d.mu.Unlock()

		status, reply := http.StatusOK, any(map[string]any{"ok": true})
		if d.respond != nil {
			status, reply = d.respond(n, body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(d.Close)
	return d
}

func (d *destination) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bodies)
}

func (d *destination) header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}

func (d *destination) gap(i, j int) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arrivals[j].Sub(d.arrivals[i])
}

func (d *destination) rawBody(i int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raw[i]
}

func (d *destination) body(i int) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bodies[i]
}

type queuedTask struct {
	kind    string
	payload any
}

// recordingEnqueuer captures tasks instead of running them.
type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []queuedTask
	err   error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, kind string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.tasks = append(e.tasks, queuedTask{kind: kind, payload: payload})
	return nil
}

func (e *recordingEnqueuer) ofKind(kind string) []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []any
	for _, t := range e.tasks {
		if t.kind == kind {
			out = append(out, t.payload)
		}
	}
	return out
}

// failingRecords fails inserts into one table and delegates the rest.
type failingRecords struct {
	*repository.MemoryStore
	table string
}

func (f *failingRecords) Insert(ctx context.Context, table string, row models.Record, opts repository.InsertOptions) (string, error) {
	if table == f.table {
		return "", errors.New(`relation "` + table + `" does not exist`)
	}
	return f.MemoryStore.Insert(ctx, table, row, opts)
}

func testLogger() *logging.Logger {
	return logging.NewNop()
}
