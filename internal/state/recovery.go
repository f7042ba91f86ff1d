package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// Recover loads every execution not in a terminal state, rebuilds its
// in-memory progress view from the persisted step history, and registers it
// as active so the engine can resume it. Steps already succeeded are not
// re-dispatched. Steps that were dispatched or running at crash time are
// closed as failed and retried: the executor may be invoked twice for such a
// step, which is the deliberate at-least-once guarantee.
//
// Recovery must complete before the engine begins normal dispatch.
func (m *Manager) Recover(ctx context.Context) ([]*ExecutionContext, error) {
	execs, err := m.store.ListResumableExecutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate resumable executions: %w", err)
	}

	var recovered []*ExecutionContext
	for _, exec := range execs {
		ec, err := m.rebuild(ctx, exec)
		if err != nil {
			m.logger.Error("state: cannot recover execution %s: %v", exec.ID, err)
			m.failUnrecoverable(ctx, exec, err)
			continue
		}
		m.mu.Lock()
		m.active[exec.ID] = ec
		m.mu.Unlock()
		recovered = append(recovered, ec)
	}
	if len(recovered) > 0 {
		m.logger.Info("state: recovered %d in-flight execution(s)", len(recovered))
	}
	return recovered, nil
}

func (m *Manager) rebuild(ctx context.Context, exec *models.WorkflowExecution) (*ExecutionContext, error) {
	wf, err := m.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", exec.WorkflowID, err)
	}
	wfCfg, err := models.ParseWorkflowConfig(wf.Config)
	if err != nil {
		return nil, fmt.Errorf("workflow %s config: %w", wf.ID, err)
	}

	ec := newExecutionContext(exec, wf, wfCfg)

	// Only the newest iteration is live; earlier iterations are history.
	iteration := 0
	for _, rec := range exec.Steps {
		if rec.Iteration > iteration {
			iteration = rec.Iteration
		}
	}
	ec.iteration = iteration

	latest := make(map[string]*models.StepExecution, len(wf.Steps))
	for _, rec := range exec.Steps {
		if rec.Iteration != iteration {
			continue
		}
		if cur, ok := latest[rec.StepName]; !ok || rec.Attempt > cur.Attempt {
			latest[rec.StepName] = rec
		}
	}

	for _, step := range wf.Steps {
		rec, ok := latest[step.Name]
		if !ok {
			// Crash between execution create and step record create.
			st, err := newStepState(step, iteration)
			if err != nil {
				return nil, err
			}
			if err := m.store.CreateStepExecution(ctx, st.record(exec.ID)); err != nil {
				return nil, err
			}
			ec.steps[step.Name] = st
			continue
		}
		st, err := m.restoreStep(ctx, exec.ID, step, rec)
		if err != nil {
			return nil, err
		}
		ec.steps[step.Name] = st
	}
	return ec, nil
}

// restoreStep maps a persisted attempt record back to runtime state. An
// attempt that was in flight when the process died is closed as failed, then
// the normal retry policy decides between retrying and terminal failed.
func (m *Manager) restoreStep(ctx context.Context, executionID string, step *models.WorkflowStep, rec *models.StepExecution) (*stepState, error) {
	cfg, err := models.ParseStepConfig(step.Config)
	if err != nil {
		return nil, fmt.Errorf("step %s config: %w", step.Name, err)
	}
	st := &stepState{
		step:        step,
		cfg:         cfg,
		recordID:    rec.ID,
		status:      rec.Status,
		attempt:     rec.Attempt,
		iteration:   rec.Iteration,
		result:      rec.Result,
		errMsg:      rec.Error,
		startedAt:   rec.StartedAt,
		completedAt: rec.CompletedAt,
	}

	switch rec.Status {
	case models.StepStatusFailed:
		if st.attempt <= step.RetryCount {
			// Crash landed between recording the failed attempt and
			// dispatching its retry.
			st.status = models.StepStatusRetrying
		}
	case models.StepStatusTimedOut:
		if rec.CompletedAt != nil {
			// The attempt recorded its own outcome before the crash; only the
			// follow-up (retry dispatch or execution finalize) was lost.
			if st.attempt <= step.RetryCount {
				st.status = models.StepStatusRetrying
			} else {
				st.status = models.StepStatusFailed
			}
			return st, nil
		}
		fallthrough
	case models.StepStatusDispatched, models.StepStatusRunning:
		now := m.clock()
		closed := *rec
		closed.Status = models.StepStatusFailed
		closed.Error = "interrupted by process restart"
		closed.CompletedAt = &now
		if err := m.store.UpdateStepExecution(ctx, &closed); err != nil {
			return nil, fmt.Errorf("failed to close interrupted attempt of step %s: %w", step.Name, err)
		}
		st.errMsg = closed.Error
		st.completedAt = &now
		if st.attempt <= step.RetryCount {
			st.status = models.StepStatusRetrying
		} else {
			st.status = models.StepStatusFailed
		}
	}
	return st, nil
}

// failUnrecoverable marks an execution that cannot be rebuilt (for example,
// its workflow definition is gone) as failed rather than leaving it stuck.
func (m *Manager) failUnrecoverable(ctx context.Context, exec *models.WorkflowExecution, cause error) {
	now := m.clock()
	exec.Status = models.ExecutionStatusFailed
	exec.Error = fmt.Sprintf("unrecoverable after restart: %v", cause)
	exec.CompletedAt = &now
	exec.DurationSeconds = now.Sub(exec.StartedAt).Seconds()
	if err := m.store.UpdateExecution(ctx, exec); err != nil && !errors.Is(err, models.ErrNotFound) {
		m.logger.Error("state: failed to mark execution %s failed: %v", exec.ID, err)
	}
}
