// Package services contains the workflow manager façade used by the API and
// MCP surfaces. It shapes requests and translates errors; scheduling logic
// lives in the engine and persistence in the repository.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/repository"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/validation"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// Executor is the slice of the engine contract the façade needs.
type Executor interface {
	Execute(ctx context.Context, wf *models.Workflow, input json.RawMessage) (string, error)
	Cancel(ctx context.Context, executionID string) error
	PublishEvent(name string, payload json.RawMessage) int
}

// WorkflowService orchestrates validation, persistence, and execution.
type WorkflowService struct {
	store  repository.Store
	engine Executor
	clock  func() time.Time
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(store repository.Store, engine Executor) *WorkflowService {
	return &WorkflowService{
		store:  store,
		engine: engine,
		clock:  time.Now,
	}
}

// CreateWorkflow validates and persists a new workflow definition. Missing
// ids are generated; the definition starts in draft status unless one is
// provided.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	now := s.clock()
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Status == "" {
		wf.Status = models.WorkflowStatusDraft
	}
	wf.CreatedAt = now
	wf.UpdatedAt = now
	for i, step := range wf.Steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.WorkflowID = wf.ID
		step.Order = i
		step.CreatedAt = now
		step.UpdatedAt = now
	}

	if result := validation.Validate(wf); !result.OK() {
		return nil, result
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflow loads a workflow with its steps.
func (s *WorkflowService) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns all workflow definitions.
func (s *WorkflowService) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	return s.store.ListWorkflows(ctx)
}

// UpdateWorkflow validates and replaces a definition. Definitions are
// immutable while executions run against them.
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	existing, err := s.store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	active, err := s.store.CountActiveExecutions(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, fmt.Errorf("workflow %s has %d active execution(s): %w", wf.ID, active, models.ErrConflict)
	}

	now := s.clock()
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = now
	for i, step := range wf.Steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.WorkflowID = wf.ID
		step.Order = i
		step.CreatedAt = now
		step.UpdatedAt = now
	}

	if result := validation.Validate(wf); !result.OK() {
		return nil, result
	}
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	return wf, nil
}

// DeleteWorkflow removes a definition. Deletion is refused while executions
// are active.
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, id string) error {
	active, err := s.store.CountActiveExecutions(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("workflow %s has %d active execution(s): %w", id, active, models.ErrConflict)
	}
	return s.store.DeleteWorkflow(ctx, id)
}

// TriggerExecution starts an asynchronous execution and returns its id.
func (s *WorkflowService) TriggerExecution(ctx context.Context, workflowID string, input json.RawMessage) (string, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if wf.Status == models.WorkflowStatusArchived {
		return "", fmt.Errorf("workflow %s is archived: %w", workflowID, models.ErrConflict)
	}
	return s.engine.Execute(ctx, wf, input)
}

// GetExecution returns the latest durable state of an execution, including
// its step results.
func (s *WorkflowService) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return s.store.GetExecution(ctx, id)
}

// ListExecutions returns executions, optionally filtered by workflow id.
func (s *WorkflowService) ListExecutions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return s.store.ListExecutions(ctx, workflowID)
}

// CancelExecution delegates cooperative cancellation to the engine.
func (s *WorkflowService) CancelExecution(ctx context.Context, id string) error {
	return s.engine.Cancel(ctx, id)
}

// PublishEvent forwards a named external event to active event-driven
// executions, returning the number of executions it reached.
func (s *WorkflowService) PublishEvent(_ context.Context, name string, payload json.RawMessage) int {
	return s.engine.PublishEvent(name, payload)
}

// WorkflowStats aggregates execution history for one workflow.
func (s *WorkflowService) WorkflowStats(ctx context.Context, workflowID string) (*models.WorkflowStats, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.WorkflowStats(ctx, workflowID)
}

// SystemStats aggregates execution history across all workflows.
func (s *WorkflowService) SystemStats(ctx context.Context) (*models.SystemStats, error) {
	return s.store.SystemStats(ctx)
}
