package services

import (
	"context"
	"fmt"
	"net/http"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/metrics"
	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/pkg/models"
)

// State is a node of the orchestration state machine.
type State string

const (
	StateSelectStep       State = "select_step"
	StateNoDestination    State = "no_destination"
	StateFetching         State = "fetching"
	StateDispatching      State = "dispatching"
	StateDone             State = "done"
	StatePipelineComplete State = "pipeline_complete"
	StateError            State = "error"
)

func (s State) terminal() bool {
	switch s {
	case StateNoDestination, StateDone, StatePipelineComplete, StateError:
		return true
	}
	return false
}

// WorkflowRef names an explicit step to run.
type WorkflowRef struct {
	ID string `json:"id" validate:"required"`
}

// OrchestrateRequest starts (or continues) the pipeline for a set of
// entities.
type OrchestrateRequest struct {
	Companies         []models.Entity `json:"companies" validate:"required,min=1,dive"`
	Workflow          *WorkflowRef    `json:"workflow,omitempty"`
	LastCompletedStep *int            `json:"last_completed_step,omitempty"`
}

// Outcome is the terminal result of one orchestration run.
type Outcome struct {
	State   State            `json:"state"`
	Path    []State          `json:"path"`
	Success bool             `json:"success"`
	Message string           `json:"message,omitempty"`
	Step    *StepRef         `json:"workflow,omitempty"`
	Summary *DispatchSummary `json:"summary,omitempty"`
}

// StepRef identifies the step an outcome refers to.
type StepRef struct {
	ID         string `json:"id"`
	Slug       string `json:"slug"`
	Title      string `json:"title,omitempty"`
	StepNumber *int   `json:"overall_step_number,omitempty"`
}

func refOf(step *models.WorkflowStep) *StepRef {
	return &StepRef{ID: step.ID, Slug: step.Slug, Title: step.Title, StepNumber: step.OverallStepNumber}
}

// Orchestrator selects the next step for a set of entities, fetches its
// records and dispatches them.
type Orchestrator struct {
	workflows  repository.WorkflowStore
	fetcher    *Fetcher
	dispatcher *Dispatcher
	logger     *logging.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(workflows repository.WorkflowStore, fetcher *Fetcher, dispatcher *Dispatcher, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		workflows:  workflows,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		logger:     logger.Named("orchestrator"),
	}
}

// Run drives the state machine to a terminal state. The returned error is
// non-nil exactly when the outcome state is StateError.
func (o *Orchestrator) Run(ctx context.Context, req OrchestrateRequest) (*Outcome, error) {
	out := &Outcome{}
	if len(req.Companies) == 0 {
		out.State, out.Path = StateError, []State{StateError}
		metrics.PipelineRuns.WithLabelValues(string(StateError)).Inc()
		return out, ValidationError("companies must not be empty")
	}

	var (
		step    *models.WorkflowStep
		fetched *FetchResult
		err     error
	)

	state := StateSelectStep
	for {
		out.Path = append(out.Path, state)
		if state.terminal() {
			break
		}

		switch state {
		case StateSelectStep:
			step, err = o.selectStep(ctx, req)
			switch {
			case err != nil:
				state = StateError
			case step == nil:
				state = StatePipelineComplete
			case !step.HasDestination():
				state = StateNoDestination
			default:
				state = StateFetching
			}

		case StateFetching:
			fetched, err = o.fetcher.Fetch(ctx, step, req.Companies)
			if err != nil {
				state = StateError
				break
			}
			state = StateDispatching

		case StateDispatching:
			out.Summary, err = o.dispatcher.Dispatch(ctx, step, fetched)
			if err != nil {
				state = StateError
				break
			}
			state = StateDone

		default:
			err = fmt.Errorf("orchestrator reached unknown state %q", state)
			state = StateError
		}
	}

	out.State = state
	if step != nil {
		out.Step = refOf(step)
	}
	switch state {
	case StatePipelineComplete:
		out.Success = true
		out.Message = fmt.Sprintf("pipeline complete: no active step after %d", *req.LastCompletedStep)
	case StateNoDestination:
		out.Success = true
		out.Message = fmt.Sprintf("workflow %s has no destination configured", step.Slug)
	case StateDone:
		out.Success = true
		out.Message = fmt.Sprintf("dispatched %d of %d records", out.Summary.SuccessCount, out.Summary.RecordsFound)
	case StateError:
		out.Message = err.Error()
	}

	metrics.PipelineRuns.WithLabelValues(string(state)).Inc()
	o.logger.Info("Orchestration finished", "state", state, "path", out.Path, "entities", len(req.Companies),
		"message", out.Message)
	if state == StateError {
		return out, err
	}
	return out, nil
}

// selectStep returns the step to run, nil when the pipeline is complete, or
// an error when there is nothing to run at all.
func (o *Orchestrator) selectStep(ctx context.Context, req OrchestrateRequest) (*models.WorkflowStep, error) {
	var step *models.WorkflowStep
	if req.Workflow != nil && req.Workflow.ID != "" {
		s, err := o.workflows.GetStep(ctx, req.Workflow.ID)
		if err != nil {
			return nil, lookupStep(err, req.Workflow.ID)
		}
		if s.Status != models.StepStatusActive {
			return nil, ConfigurationError(http.StatusBadRequest, "workflow is not active", nil).
				With("workflow_id", s.ID).With("workflow_slug", s.Slug).With("status", string(s.Status))
		}
		step = s
	} else {
		after := 0
		if req.LastCompletedStep != nil {
			after = *req.LastCompletedStep
		}
		s, err := o.workflows.GetNextStep(ctx, after)
		if err != nil {
			return nil, lookupStep(err, fmt.Sprintf("after step %d", after))
		}
		if s == nil {
			if after > 0 {
				return nil, nil
			}
			return nil, NotFoundError("no active workflows found", nil)
		}
		step = s
	}

	if err := step.Validate(); err != nil {
		return nil, ConfigurationError(http.StatusBadRequest, "workflow configuration is invalid", err).
			With("workflow_id", step.ID)
	}
	return step, nil
}

// ContinueRequest advances one entity past a completed step.
type ContinueRequest struct {
	Entity            models.Entity `json:"entity"`
	LastCompletedStep int           `json:"last_completed_step"`
}

// Continue runs the next pipeline step for a single entity.
func (o *Orchestrator) Continue(ctx context.Context, req ContinueRequest) (*Outcome, error) {
	last := req.LastCompletedStep
	return o.Run(ctx, OrchestrateRequest{
		Companies:         []models.Entity{req.Entity},
		LastCompletedStep: &last,
	})
}
