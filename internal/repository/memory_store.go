package repository

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// MemoryStore is an in-memory implementation of the Store interface, used by
// engine and service tests that must not depend on a database.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*models.Workflow
	executions map[string]*models.WorkflowExecution
	steps      map[string][]*models.StepExecution // keyed by execution id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*models.Workflow),
		executions: make(map[string]*models.WorkflowExecution),
		steps:      make(map[string][]*models.StepExecution),
	}
}

// CreateWorkflow stores a workflow definition.
func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return models.ErrConflict
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// GetWorkflow returns a workflow by id.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

// ListWorkflows returns all workflows.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, cloneWorkflow(wf))
	}
	return out, nil
}

// UpdateWorkflow replaces a stored workflow definition.
func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; !ok {
		return models.ErrNotFound
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// DeleteWorkflow removes a workflow.
func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

// CreateExecution records a new execution.
func (s *MemoryStore) CreateExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// GetExecution returns an execution with its step attempt history.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return s.assemble(exec), nil
}

func (s *MemoryStore) assemble(exec *models.WorkflowExecution) *models.WorkflowExecution {
	out := cloneExecution(exec)
	for _, rec := range s.steps[exec.ID] {
		copied := *rec
		out.Steps = append(out.Steps, &copied)
		if rec.Status == models.StepStatusSucceeded {
			if out.StepResults == nil {
				out.StepResults = make(map[string]json.RawMessage)
			}
			out.StepResults[rec.StepName] = rec.Result
		}
	}
	return out
}

// ListExecutions returns executions, optionally filtered by workflow id.
func (s *MemoryStore) ListExecutions(_ context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowExecution
	for _, exec := range s.executions {
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	return out, nil
}

// UpdateExecution persists execution status and output.
func (s *MemoryStore) UpdateExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return models.ErrNotFound
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// ListResumableExecutions returns non-terminal executions with step history.
func (s *MemoryStore) ListResumableExecutions(_ context.Context) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowExecution
	for _, exec := range s.executions {
		if !exec.Status.Terminal() {
			out = append(out, s.assemble(exec))
		}
	}
	return out, nil
}

// CountActiveExecutions reports non-terminal executions for a workflow.
func (s *MemoryStore) CountActiveExecutions(_ context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, exec := range s.executions {
		if exec.WorkflowID == workflowID && !exec.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// CreateStepExecution appends a step attempt record.
func (s *MemoryStore) CreateStepExecution(_ context.Context, rec *models.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.steps[rec.ExecutionID] = append(s.steps[rec.ExecutionID], &copied)
	return nil
}

// UpdateStepExecution replaces a step attempt record by id.
func (s *MemoryStore) UpdateStepExecution(_ context.Context, rec *models.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.steps[rec.ExecutionID] {
		if existing.ID == rec.ID {
			copied := *rec
			s.steps[rec.ExecutionID][i] = &copied
			return nil
		}
	}
	return models.ErrNotFound
}

// WorkflowStats aggregates execution history for one workflow.
func (s *MemoryStore) WorkflowStats(_ context.Context, workflowID string) (*models.WorkflowStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.WorkflowStats{WorkflowID: workflowID}
	var totalDuration float64
	var completed int
	for _, exec := range s.executions {
		if exec.WorkflowID != workflowID {
			continue
		}
		stats.ExecutionCount++
		tally(exec, &stats.SuccessCount, &stats.FailureCount, &stats.CancelledCount)
		if exec.CompletedAt != nil {
			totalDuration += exec.DurationSeconds
			completed++
		}
	}
	if completed > 0 {
		stats.AverageDurationSeconds = totalDuration / float64(completed)
	}
	return stats, nil
}

// SystemStats aggregates execution history across all workflows.
func (s *MemoryStore) SystemStats(_ context.Context) (*models.SystemStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.SystemStats{WorkflowCount: len(s.workflows)}
	var totalDuration float64
	var completed int
	for _, exec := range s.executions {
		stats.ExecutionCount++
		tally(exec, &stats.SuccessCount, &stats.FailureCount, &stats.CancelledCount)
		if !exec.Status.Terminal() {
			stats.RunningCount++
		}
		if exec.CompletedAt != nil {
			totalDuration += exec.DurationSeconds
			completed++
		}
	}
	if completed > 0 {
		stats.AverageDurationSeconds = totalDuration / float64(completed)
	}
	return stats, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func tally(exec *models.WorkflowExecution, success, failure, cancelled *int) {
	switch exec.Status {
	case models.ExecutionStatusSucceeded:
		*success++
	case models.ExecutionStatusFailed:
		*failure++
	case models.ExecutionStatusCancelled:
		*cancelled++
	}
}

func cloneWorkflow(wf *models.Workflow) *models.Workflow {
	copied := *wf
	copied.Tags = append([]string(nil), wf.Tags...)
	copied.Steps = make([]*models.WorkflowStep, len(wf.Steps))
	for i, step := range wf.Steps {
		stepCopy := *step
		stepCopy.Dependencies = append([]string(nil), step.Dependencies...)
		copied.Steps[i] = &stepCopy
	}
	return &copied
}

func cloneExecution(exec *models.WorkflowExecution) *models.WorkflowExecution {
	copied := *exec
	copied.Steps = nil
	copied.StepResults = nil
	return &copied
}
