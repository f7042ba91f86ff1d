package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/logging"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// storeRetries bounds how often a transient failure is retried before it is
// escalated to the caller.
const storeRetries = 3

// PostgresStore is a PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *logging.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, logger *logging.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// CreateWorkflow persists a workflow and its steps in one transaction.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	return s.withRetry(ctx, "create workflow", func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO workflows (id, name, description, workflow_type, status, config, tags, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			wf.ID, wf.Name, wf.Description, wf.Type, wf.Status, wf.Config, wf.Tags, wf.CreatedAt, wf.UpdatedAt)
		if err != nil {
			return err
		}
		if err := insertSteps(ctx, tx, wf); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func insertSteps(ctx context.Context, tx pgx.Tx, wf *models.Workflow) error {
	for _, step := range wf.Steps {
		_, err := tx.Exec(ctx,
			`INSERT INTO workflow_steps (id, workflow_id, name, step_type, agent_ref, config, dependencies, timeout_seconds, retry_count, step_order, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			step.ID, wf.ID, step.Name, step.StepType, step.AgentRef, step.Config,
			step.Dependencies, step.TimeoutSeconds, step.RetryCount, step.Order,
			step.CreatedAt, step.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetWorkflow loads a workflow and its steps in definition order.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var wf models.Workflow
	err := s.db.QueryRow(ctx,
		`SELECT id, name, description, workflow_type, status, config, tags, created_at, updated_at
		 FROM workflows WHERE id = $1`, id).
		Scan(&wf.ID, &wf.Name, &wf.Description, &wf.Type, &wf.Status, &wf.Config, &wf.Tags, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return &wf, nil
}

func (s *PostgresStore) loadSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, name, step_type, agent_ref, config, dependencies, timeout_seconds, retry_count, step_order, created_at, updated_at
		 FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		var step models.WorkflowStep
		err := rows.Scan(&step.ID, &step.WorkflowID, &step.Name, &step.StepType, &step.AgentRef,
			&step.Config, &step.Dependencies, &step.TimeoutSeconds, &step.RetryCount, &step.Order,
			&step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return nil, err
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// ListWorkflows returns all workflows with their steps.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, description, workflow_type, status, config, tags, created_at, updated_at
		 FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		var wf models.Workflow
		err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.Type, &wf.Status, &wf.Config, &wf.Tags, &wf.CreatedAt, &wf.UpdatedAt)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, &wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		steps, err := s.loadSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		wf.Steps = steps
	}
	return workflows, nil
}

// UpdateWorkflow replaces a workflow definition and its steps in one
// transaction. Callers must ensure no execution is running against it.
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *models.Workflow) error {
	return s.withRetry(ctx, "update workflow", func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`UPDATE workflows SET name = $2, description = $3, workflow_type = $4, status = $5, config = $6, tags = $7, updated_at = $8
			 WHERE id = $1`,
			wf.ID, wf.Name, wf.Description, wf.Type, wf.Status, wf.Config, wf.Tags, wf.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_steps WHERE workflow_id = $1`, wf.ID); err != nil {
			return err
		}
		if err := insertSteps(ctx, tx, wf); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// DeleteWorkflow removes a workflow; steps cascade.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CreateExecution records a new execution.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	return s.withRetry(ctx, "create execution", func() error {
		_, err := s.db.Exec(ctx,
			`INSERT INTO workflow_executions (id, workflow_id, status, input_data, output_data, error, started_at, completed_at, duration_seconds)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			exec.ID, exec.WorkflowID, exec.Status, exec.InputData, exec.OutputData,
			exec.Error, exec.StartedAt, exec.CompletedAt, exec.DurationSeconds)
		return err
	})
}

// GetExecution loads an execution with its full step attempt history.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var exec models.WorkflowExecution
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, status, input_data, output_data, error, started_at, completed_at, duration_seconds
		 FROM workflow_executions WHERE id = $1`, id).
		Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.InputData, &exec.OutputData,
			&exec.Error, &exec.StartedAt, &exec.CompletedAt, &exec.DurationSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	if err := s.attachSteps(ctx, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *PostgresStore) attachSteps(ctx context.Context, exec *models.WorkflowExecution) error {
	rows, err := s.db.Query(ctx,
		`SELECT id, execution_id, step_id, step_name, status, attempt, iteration, result, error, started_at, completed_at
		 FROM step_executions WHERE execution_id = $1 ORDER BY iteration, attempt, started_at NULLS FIRST`, exec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.StepExecution
		err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.StepID, &rec.StepName, &rec.Status,
			&rec.Attempt, &rec.Iteration, &rec.Result, &rec.Error, &rec.StartedAt, &rec.CompletedAt)
		if err != nil {
			return err
		}
		exec.Steps = append(exec.Steps, &rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// step_results only grows: the latest succeeded attempt per step wins.
	for _, rec := range exec.Steps {
		if rec.Status == models.StepStatusSucceeded {
			if exec.StepResults == nil {
				exec.StepResults = make(map[string]json.RawMessage)
			}
			exec.StepResults[rec.StepName] = rec.Result
		}
	}
	return nil
}

// ListExecutions returns executions, optionally filtered by workflow.
func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	query := `SELECT id, workflow_id, status, input_data, output_data, error, started_at, completed_at, duration_seconds
		 FROM workflow_executions`
	args := []interface{}{}
	if workflowID != "" {
		query += ` WHERE workflow_id = $1`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.WorkflowExecution
	for rows.Next() {
		var exec models.WorkflowExecution
		err := rows.Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.InputData, &exec.OutputData,
			&exec.Error, &exec.StartedAt, &exec.CompletedAt, &exec.DurationSeconds)
		if err != nil {
			return nil, err
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

// UpdateExecution persists the current status, output, and timing of an
// execution.
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	return s.withRetry(ctx, "update execution", func() error {
		tag, err := s.db.Exec(ctx,
			`UPDATE workflow_executions SET status = $2, output_data = $3, error = $4, completed_at = $5, duration_seconds = $6
			 WHERE id = $1`,
			exec.ID, exec.Status, exec.OutputData, exec.Error, exec.CompletedAt, exec.DurationSeconds)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}
		return nil
	})
}

// ListResumableExecutions returns every execution not in a terminal state,
// with full step history, so the engine can reconstruct progress exactly.
func (s *PostgresStore) ListResumableExecutions(ctx context.Context) ([]*models.WorkflowExecution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, status, input_data, output_data, error, started_at, completed_at, duration_seconds
		 FROM workflow_executions WHERE status IN ('pending', 'running') ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.WorkflowExecution
	for rows.Next() {
		var exec models.WorkflowExecution
		err := rows.Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.InputData, &exec.OutputData,
			&exec.Error, &exec.StartedAt, &exec.CompletedAt, &exec.DurationSeconds)
		if err != nil {
			return nil, err
		}
		execs = append(execs, &exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, exec := range execs {
		if err := s.attachSteps(ctx, exec); err != nil {
			return nil, err
		}
	}
	return execs, nil
}

// CountActiveExecutions reports non-terminal executions for a workflow.
func (s *PostgresStore) CountActiveExecutions(ctx context.Context, workflowID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_executions WHERE workflow_id = $1 AND status IN ('pending', 'running')`,
		workflowID).Scan(&count)
	return count, err
}

// CreateStepExecution appends a step attempt record.
func (s *PostgresStore) CreateStepExecution(ctx context.Context, rec *models.StepExecution) error {
	return s.withRetry(ctx, "create step execution", func() error {
		_, err := s.db.Exec(ctx,
			`INSERT INTO step_executions (id, execution_id, step_id, step_name, status, attempt, iteration, result, error, started_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.ID, rec.ExecutionID, rec.StepID, rec.StepName, rec.Status, rec.Attempt,
			rec.Iteration, rec.Result, rec.Error, rec.StartedAt, rec.CompletedAt)
		return err
	})
}

// UpdateStepExecution persists the outcome of a step attempt.
func (s *PostgresStore) UpdateStepExecution(ctx context.Context, rec *models.StepExecution) error {
	return s.withRetry(ctx, "update step execution", func() error {
		tag, err := s.db.Exec(ctx,
			`UPDATE step_executions SET status = $2, result = $3, error = $4, started_at = $5, completed_at = $6
			 WHERE id = $1`,
			rec.ID, rec.Status, rec.Result, rec.Error, rec.StartedAt, rec.CompletedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}
		return nil
	})
}

// WorkflowStats aggregates execution history for one workflow.
func (s *PostgresStore) WorkflowStats(ctx context.Context, workflowID string) (*models.WorkflowStats, error) {
	stats := &models.WorkflowStats{WorkflowID: workflowID}
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'succeeded'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(AVG(duration_seconds) FILTER (WHERE completed_at IS NOT NULL), 0)
		 FROM workflow_executions WHERE workflow_id = $1`, workflowID).
		Scan(&stats.ExecutionCount, &stats.SuccessCount, &stats.FailureCount,
			&stats.CancelledCount, &stats.AverageDurationSeconds)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// SystemStats aggregates execution history across all workflows.
func (s *PostgresStore) SystemStats(ctx context.Context) (*models.SystemStats, error) {
	stats := &models.SystemStats{}
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&stats.WorkflowCount)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRow(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'succeeded'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'running')),
			COALESCE(AVG(duration_seconds) FILTER (WHERE completed_at IS NOT NULL), 0)
		 FROM workflow_executions`).
		Scan(&stats.ExecutionCount, &stats.SuccessCount, &stats.FailureCount,
			&stats.CancelledCount, &stats.RunningCount, &stats.AverageDurationSeconds)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Ping checks database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// withRetry retries a write a bounded number of times with backoff when the
// failure looks transient. Statement errors and context cancellation are
// escalated immediately.
func (s *PostgresStore) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 1; attempt <= storeRetries; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt == storeRetries {
			return err
		}
		s.logger.Warn("store: %s failed (attempt %d/%d), retrying: %v", op, attempt, storeRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, models.ErrNotFound) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// The server parsed and rejected the statement; retrying the
		// same statement cannot help.
		return false
	}
	return true
}
