// Package repository persists workflow definitions and execution history.
package repository

import (
	"context"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// Store is the persistence contract for workflow aggregates. Workflow and
// step writes are transactional per workflow; execution and step-attempt
// writes are append-first so a crash never loses a recorded result.
// Implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *models.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	// ListResumableExecutions returns every execution not in a terminal
	// state, with full step history, for crash recovery.
	ListResumableExecutions(ctx context.Context) ([]*models.WorkflowExecution, error)
	// CountActiveExecutions reports non-terminal executions for a workflow.
	CountActiveExecutions(ctx context.Context, workflowID string) (int, error)

	// Step attempt records (append-only: every attempt is its own row)
	CreateStepExecution(ctx context.Context, rec *models.StepExecution) error
	UpdateStepExecution(ctx context.Context, rec *models.StepExecution) error

	// Statistics
	WorkflowStats(ctx context.Context, workflowID string) (*models.WorkflowStats, error)
	SystemStats(ctx context.Context) (*models.SystemStats, error)

	Ping(ctx context.Context) error
}
