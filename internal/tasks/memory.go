package tasks

import (
	"context"
	"sync"
)

// MemoryQueue is a bounded in-process queue drained by a fixed worker pool.
type MemoryQueue struct {
	ch      chan Task
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a queue holding up to capacity pending tasks.
func NewMemoryQueue(capacity, workers int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &MemoryQueue{ch: make(chan Task, capacity), workers: workers}
}

// Enqueue adds t without blocking. A full queue returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(_ context.Context, t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. Tasks run with ctx stripped of cancellation so
// that shutdown drains instead of aborting them.
func (q *MemoryQueue) Start(ctx context.Context, consume func(context.Context, Task)) error {
	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for t := range q.ch {
				consume(runCtx, t)
			}
		}()
	}
	return nil
}

// Close stops accepting tasks and waits until every queued task has run.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// Len returns the number of pending tasks.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
