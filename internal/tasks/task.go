// Package tasks runs the engine's follow-up work (pipeline continuation,
// result logging, batch accounting) off the request path, with retries.
package tasks

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	KindContinue     = "pipeline.continue"
	KindLogResult    = "result.log"
	KindBatchAttempt = "batch.attempt"
)

// ErrQueueFull is returned by Enqueue when a bounded queue has no room.
var ErrQueueFull = errors.New("task queue is full")

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("task queue is closed")

// Task is a unit of background work.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask encodes payload into a task of the given kind.
func NewTask(kind string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

// Handler executes one task. Returning an error schedules a retry unless the
// error is wrapped with backoff.Permanent.
type Handler func(ctx context.Context, t Task) error

// Queue delivers tasks to a consumer function.
type Queue interface {
	// Enqueue hands t to the queue. It must not block on a busy consumer.
	Enqueue(ctx context.Context, t Task) error
	// Start begins delivering tasks to consume until Close.
	Start(ctx context.Context, consume func(context.Context, Task)) error
	// Close stops accepting tasks and waits for in-flight ones.
	Close() error
}
