package services

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"enrichment-engine/backend/internal/tasks"
)

// TaskRunner is the part of tasks.Runner the services register on.
type TaskRunner interface {
	Handle(kind string, h tasks.Handler)
}

// RegisterTaskHandlers wires the follow-up task kinds to their services.
func RegisterTaskHandlers(runner TaskRunner, orchestrator *Orchestrator, tracker *Tracker) {
	runner.Handle(tasks.KindContinue, func(ctx context.Context, t tasks.Task) error {
		var req ContinueRequest
		if err := t.Decode(&req); err != nil {
			return backoff.Permanent(fmt.Errorf("decode continuation: %w", err))
		}
		_, err := orchestrator.Continue(ctx, req)
		return retryable(err)
	})

	runner.Handle(tasks.KindLogResult, func(ctx context.Context, t tasks.Task) error {
		var req LogRequest
		if err := t.Decode(&req); err != nil {
			return backoff.Permanent(fmt.Errorf("decode log entry: %w", err))
		}
		return tracker.LogResult(ctx, req)
	})

	runner.Handle(tasks.KindBatchAttempt, func(ctx context.Context, t tasks.Task) error {
		var req AttemptRequest
		if err := t.Decode(&req); err != nil {
			return backoff.Permanent(fmt.Errorf("decode batch attempt: %w", err))
		}
		_, err := tracker.RecordAttempt(ctx, req)
		return retryable(err)
	})
}

// retryable marks client-side failures (bad config, unknown workflow or
// batch) as permanent so they are not retried.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if status := StatusCode(err); status >= 400 && status < 500 {
		return backoff.Permanent(err)
	}
	return err
}
