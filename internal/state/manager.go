// Package state owns the authoritative status of each workflow execution and
// each step within it. All transitions pass through the Manager so ordering
// and idempotency are centralized: a timeout signal racing a late completion
// cannot both apply, and step results are durable before dependents may
// observe them.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/logging"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/repository"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// Manager is the sole writer of execution and step status.
type Manager struct {
	store  repository.Store
	logger *logging.Logger
	clock  func() time.Time

	mu     sync.RWMutex
	active map[string]*ExecutionContext
}

// Option customizes the manager instance.
type Option func(*Manager)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates a state manager backed by the given store.
func NewManager(store repository.Store, logger *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: logger,
		clock:  time.Now,
		active: make(map[string]*ExecutionContext),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// legalTransitions lists the allowed step status transitions. Terminal
// statuses (succeeded, failed, skipped) have no exits.
var legalTransitions = map[models.StepStatus][]models.StepStatus{
	models.StepStatusPending:    {models.StepStatusDispatched, models.StepStatusSkipped},
	models.StepStatusDispatched: {models.StepStatusRunning, models.StepStatusSucceeded, models.StepStatusFailed, models.StepStatusTimedOut, models.StepStatusSkipped},
	models.StepStatusRunning:    {models.StepStatusSucceeded, models.StepStatusFailed, models.StepStatusTimedOut, models.StepStatusSkipped},
	models.StepStatusFailed:     {models.StepStatusRetrying},
	models.StepStatusTimedOut:   {models.StepStatusRetrying},
	models.StepStatusRetrying:   {models.StepStatusDispatched, models.StepStatusSkipped},
}

func transitionAllowed(from, to models.StepStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Begin creates the execution record and a pending step record per step, and
// registers the execution as active.
func (m *Manager) Begin(ctx context.Context, wf *models.Workflow, input json.RawMessage) (*ExecutionContext, error) {
	wfCfg, err := models.ParseWorkflowConfig(wf.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow config: %w", err)
	}

	now := m.clock()
	exec := &models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     models.ExecutionStatusRunning,
		InputData:  input,
		StartedAt:  now,
	}
	if err := m.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	ec := newExecutionContext(exec, wf, wfCfg)
	for _, step := range wf.Steps {
		st, err := newStepState(step, 0)
		if err != nil {
			return nil, err
		}
		if err := m.store.CreateStepExecution(ctx, st.record(exec.ID)); err != nil {
			return nil, fmt.Errorf("failed to persist step record: %w", err)
		}
		ec.steps[step.Name] = st
	}

	m.mu.Lock()
	m.active[exec.ID] = ec
	m.mu.Unlock()
	return ec, nil
}

// Get returns the active execution context for an id.
func (m *Manager) Get(executionID string) (*ExecutionContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ec, ok := m.active[executionID]
	return ec, ok
}

// Active returns all active execution contexts.
func (m *Manager) Active() []*ExecutionContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ExecutionContext, 0, len(m.active))
	for _, ec := range m.active {
		out = append(out, ec)
	}
	return out
}

// release drops a terminal execution from the active set.
func (m *Manager) release(executionID string) {
	m.mu.Lock()
	delete(m.active, executionID)
	m.mu.Unlock()
}

// Dispatch transitions a step to dispatched and returns the attempt record
// the engine should execute. A step in retrying gets a fresh attempt record;
// a pending step reuses its initial record.
func (m *Manager) Dispatch(ctx context.Context, ec *ExecutionContext, stepName string) (*models.StepExecution, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	st, ok := ec.steps[stepName]
	if !ok {
		return nil, fmt.Errorf("unknown step %q: %w", stepName, models.ErrNotFound)
	}
	if !transitionAllowed(st.status, models.StepStatusDispatched) {
		return nil, fmt.Errorf("step %s is %s: %w", stepName, st.status, models.ErrStaleTransition)
	}

	now := m.clock()
	if st.status == models.StepStatusRetrying {
		st.attempt++
		st.recordID = uuid.New().String()
		st.startedAt = &now
		st.status = models.StepStatusDispatched
		rec := st.record(ec.Execution.ID)
		if err := m.store.CreateStepExecution(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to persist attempt %d of step %s: %w", st.attempt, stepName, err)
		}
		return rec, nil
	}

	st.status = models.StepStatusDispatched
	st.startedAt = &now
	rec := st.record(ec.Execution.ID)
	if err := m.store.UpdateStepExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist dispatch of step %s: %w", stepName, err)
	}
	return rec, nil
}

// MarkRunning records that the executor accepted the dispatch.
func (m *Manager) MarkRunning(ctx context.Context, ec *ExecutionContext, stepName string, attempt int) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	st, ok := ec.steps[stepName]
	if !ok {
		return models.ErrNotFound
	}
	if st.attempt != attempt || !transitionAllowed(st.status, models.StepStatusRunning) {
		return models.ErrStaleTransition
	}
	st.status = models.StepStatusRunning
	return m.store.UpdateStepExecution(ctx, st.record(ec.Execution.ID))
}

// CompleteAttempt applies the outcome of one attempt and the retry policy.
// outcome must be succeeded, failed, or timed_out. The returned status is the
// step's resulting status: succeeded, retrying (another attempt remains), or
// terminal failed. The first terminal signal for an attempt wins; later
// signals get ErrStaleTransition. The record is durable before the in-memory
// view changes, so dependents never observe an unpersisted result.
func (m *Manager) CompleteAttempt(ctx context.Context, ec *ExecutionContext, stepName string, attempt int, outcome models.StepStatus, result json.RawMessage, errMsg string) (models.StepStatus, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	st, ok := ec.steps[stepName]
	if !ok {
		return "", models.ErrNotFound
	}
	if st.attempt != attempt {
		return st.status, models.ErrStaleTransition
	}
	if !transitionAllowed(st.status, outcome) {
		return st.status, models.ErrStaleTransition
	}

	final := outcome
	if outcome == models.StepStatusFailed || outcome == models.StepStatusTimedOut {
		if st.attempt <= st.step.RetryCount {
			final = models.StepStatusRetrying
		} else {
			final = models.StepStatusFailed
		}
	}

	now := m.clock()
	// The record keeps the attempt's own outcome (a timed-out final attempt
	// stays timed_out in history); the step-level status carries the
	// retry-policy result.
	persisted := *st.record(ec.Execution.ID)
	persisted.Status = outcome
	persisted.Result = result
	persisted.Error = errMsg
	persisted.CompletedAt = &now
	if err := m.store.UpdateStepExecution(ctx, &persisted); err != nil {
		return st.status, fmt.Errorf("failed to persist outcome of step %s: %w", stepName, err)
	}

	st.status = final
	st.result = result
	st.errMsg = errMsg
	st.completedAt = &now
	return final, nil
}

// Skip transitions a step directly to skipped, recording the reason.
func (m *Manager) Skip(ctx context.Context, ec *ExecutionContext, stepName, reason string) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return m.skipLocked(ctx, ec, stepName, reason)
}

func (m *Manager) skipLocked(ctx context.Context, ec *ExecutionContext, stepName, reason string) error {
	st, ok := ec.steps[stepName]
	if !ok {
		return models.ErrNotFound
	}
	if st.status.Terminal() {
		return models.ErrStaleTransition
	}
	if !transitionAllowed(st.status, models.StepStatusSkipped) {
		return models.ErrStaleTransition
	}
	now := m.clock()
	st.status = models.StepStatusSkipped
	st.errMsg = reason
	st.completedAt = &now
	return m.store.UpdateStepExecution(ctx, st.record(ec.Execution.ID))
}

// Cancel marks the execution cancelled, skips every non-terminal step, and
// stops further dispatch. Mid-flight executors are not interrupted; their
// late signals are discarded as stale.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	ec, ok := m.Get(executionID)
	if !ok {
		// Not active: reject if already terminal in the store.
		exec, err := m.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, models.ErrConflict)
		}
		return models.ErrNotFound
	}

	ec.mu.Lock()
	ec.cancelled = true
	for name, st := range ec.steps {
		if !st.status.Terminal() {
			if err := m.skipLocked(ctx, ec, name, "execution cancelled"); err != nil {
				m.logger.Warn("state: failed to skip step %s on cancel: %v", name, err)
			}
		}
	}
	ec.mu.Unlock()

	return m.Finalize(ctx, ec, models.ExecutionStatusCancelled, nil, "cancelled by request")
}

// Finalize writes the terminal execution status and releases the context.
// Terminal states are never left; finalizing twice is a stale transition.
func (m *Manager) Finalize(ctx context.Context, ec *ExecutionContext, status models.ExecutionStatus, output json.RawMessage, errMsg string) error {
	ec.mu.Lock()
	if ec.Execution.Status.Terminal() {
		ec.mu.Unlock()
		return models.ErrStaleTransition
	}
	now := m.clock()
	ec.Execution.Status = status
	ec.Execution.OutputData = output
	ec.Execution.Error = errMsg
	ec.Execution.CompletedAt = &now
	ec.Execution.DurationSeconds = now.Sub(ec.Execution.StartedAt).Seconds()
	snapshot := *ec.Execution
	ec.mu.Unlock()

	if err := m.store.UpdateExecution(ctx, &snapshot); err != nil {
		return fmt.Errorf("failed to persist terminal status of execution %s: %w", ec.Execution.ID, err)
	}
	m.release(ec.Execution.ID)
	return nil
}

// BeginIteration resets every step to pending with a fresh attempt record for
// the next loop pass. Prior iterations' records are retained untouched.
func (m *Manager) BeginIteration(ctx context.Context, ec *ExecutionContext, iteration int) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	for _, step := range ec.Workflow.Steps {
		st, err := newStepState(step, iteration)
		if err != nil {
			return err
		}
		if err := m.store.CreateStepExecution(ctx, st.record(ec.Execution.ID)); err != nil {
			return fmt.Errorf("failed to persist iteration %d record for step %s: %w", iteration, step.Name, err)
		}
		ec.steps[step.Name] = st
	}
	ec.iteration = iteration
	return nil
}
