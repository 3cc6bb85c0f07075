package services

import (
	"context"

	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/pkg/models"
)

// Inspector serves the read-only views used by operators: configured steps
// and per-entity progress.
type Inspector struct {
	workflows repository.WorkflowStore
	progress  repository.ProgressStore
}

// NewInspector creates an Inspector.
func NewInspector(workflows repository.WorkflowStore, progress repository.ProgressStore) *Inspector {
	return &Inspector{workflows: workflows, progress: progress}
}

// ListSteps returns every configured step in pipeline order.
func (i *Inspector) ListSteps(ctx context.Context) ([]*models.WorkflowStep, error) {
	steps, err := i.workflows.ListSteps(ctx)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []*models.WorkflowStep{}
	}
	return steps, nil
}

// GetStep returns one step.
func (i *Inspector) GetStep(ctx context.Context, id string) (*models.WorkflowStep, error) {
	step, err := i.workflows.GetStep(ctx, id)
	if err != nil {
		return nil, lookupStep(err, id)
	}
	return step, nil
}

// EntityProgress returns the latest state of an entity at every step it
// reached.
func (i *Inspector) EntityProgress(ctx context.Context, entityID string) ([]*models.Progress, error) {
	if entityID == "" {
		return nil, ValidationError("entity id is required")
	}
	progress, err := i.progress.ListProgress(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		progress = []*models.Progress{}
	}
	return progress, nil
}
