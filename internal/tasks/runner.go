package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/metrics"
)

// RetryPolicy bounds how often a failing task is re-run.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	// the retry count is the only bound
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// Runner dispatches tasks from a Queue to the handler registered for their
// kind, retrying failures per its RetryPolicy.
type Runner struct {
	queue  Queue
	policy RetryPolicy
	logger *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool
}

// NewRunner creates a Runner on top of queue.
func NewRunner(queue Queue, policy RetryPolicy, logger *logging.Logger) *Runner {
	return &Runner{
		queue:    queue,
		policy:   policy,
		logger:   logger.Named("tasks"),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for tasks of the given kind, replacing any previous one.
func (r *Runner) Handle(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Enqueue schedules payload as a task of the given kind.
func (r *Runner) Enqueue(ctx context.Context, kind string, payload any) error {
	t, err := NewTask(kind, payload)
	if err != nil {
		return fmt.Errorf("encode %s task: %w", kind, err)
	}
	if err := r.queue.Enqueue(ctx, t); err != nil {
		result := "error"
		if errors.Is(err, ErrQueueFull) {
			result = "dropped"
		}
		metrics.TasksTotal.WithLabelValues(kind, result).Inc()
		r.logger.Warn("Task not enqueued", "kind", kind, "task_id", t.ID, "error", err)
		return err
	}
	metrics.TasksTotal.WithLabelValues(kind, "enqueued").Inc()
	return nil
}

// Start begins consuming the queue.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("task runner already started")
	}
	r.started = true
	r.mu.Unlock()
	return r.queue.Start(ctx, r.execute)
}

// Close stops the queue and waits for in-flight tasks.
func (r *Runner) Close() error {
	return r.queue.Close()
}

func (r *Runner) execute(ctx context.Context, t Task) {
	r.mu.RLock()
	h, ok := r.handlers[t.Kind]
	r.mu.RUnlock()

	start := time.Now()
	defer func() {
		metrics.TaskDuration.WithLabelValues(t.Kind).Observe(time.Since(start).Seconds())
	}()

	if !ok {
		metrics.TasksTotal.WithLabelValues(t.Kind, "failed").Inc()
		r.logger.Error("No handler for task", "kind", t.Kind, "task_id", t.ID)
		return
	}

	attempt := 0
	op := func() error {
		attempt++
		return h(ctx, t)
	}
	notify := func(err error, wait time.Duration) {
		metrics.TaskRetries.WithLabelValues(t.Kind).Inc()
		r.logger.Warn("Task failed, retrying", "kind", t.Kind, "task_id", t.ID,
			"attempt", attempt, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, r.policy.backOff(ctx), notify); err != nil {
		metrics.TasksTotal.WithLabelValues(t.Kind, "failed").Inc()
		r.logger.Error("Task failed", "kind", t.Kind, "task_id", t.ID, "attempts", attempt, "error", err)
		return
	}
	metrics.TasksTotal.WithLabelValues(t.Kind, "succeeded").Inc()
	r.logger.Debug("Task succeeded", "kind", t.Kind, "task_id", t.ID, "attempts", attempt)
}
