package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/logging"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/repository"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

func newTestManager(opts ...Option) (*Manager, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	return NewManager(store, logging.NewLogger(), opts...), store
}

// twoStepWorkflow builds a -> b with the given retry budget on both steps.
func twoStepWorkflow(retryCount int) *models.Workflow {
	return &models.Workflow{
		ID:   "wf-state",
		Name: "state",
		Type: models.WorkflowTypeSequential,
		Steps: []*models.WorkflowStep{
			{ID: "step-a", Name: "a", AgentRef: "agent-a", TimeoutSeconds: 30, RetryCount: retryCount},
			{ID: "step-b", Name: "b", AgentRef: "agent-b", TimeoutSeconds: 30, RetryCount: retryCount, Dependencies: []string{"a"}},
		},
	}
}

func stepRecords(t *testing.T, store repository.Store, executionID, stepName string) []*models.StepExecution {
	t.Helper()
	exec, err := store.GetExecution(context.Background(), executionID)
	require.NoError(t, err)
	var out []*models.StepExecution
	for _, rec := range exec.Steps {
		if rec.StepName == stepName {
			out = append(out, rec)
		}
	}
	return out
}

func TestBegin_PersistsExecutionAndPendingSteps(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	ec, err := m.Begin(ctx, twoStepWorkflow(0), json.RawMessage(`{"source":"s3"}`))
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusRunning, ec.Status())
	_, active := m.Get(ec.Execution.ID)
	assert.True(t, active)

	stored, err := store.GetExecution(ctx, ec.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	require.Len(t, stored.Steps, 2)
	for _, rec := range stored.Steps {
		assert.Equal(t, models.StepStatusPending, rec.Status)
		assert.Equal(t, 1, rec.Attempt)
		assert.Equal(t, 0, rec.Iteration)
	}
}

func TestDispatchAndComplete_HappyPath(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	ec, err := m.Begin(ctx, twoStepWorkflow(0), nil)
	require.NoError(t, err)

	rec, err := m.Dispatch(ctx, ec, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempt)

	require.NoError(t, m.MarkRunning(ctx, ec, "a", 1))

	result := json.RawMessage(`{"rows":42}`)
	final, err := m.CompleteAttempt(ctx, ec, "a", 1, models.StepStatusSucceeded, result, "")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSucceeded, final)

	// The result is durable and visible to dependents.
	assert.JSONEq(t, string(result), string(ec.StepResults()["a"]))
	records := stepRecords(t, store, ec.Execution.ID, "a")
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusSucceeded, records[0].Status)
	assert.NotNil(t, records[0].CompletedAt)
}

func TestCompleteAttempt_FirstTerminalSignalWins(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	ec, err := m.Begin(ctx, twoStepWorkflow(0), nil)
	require.NoError(t, err)
	_, err = m.Dispatch(ctx, ec, "a")
	require.NoError(t, err)

	_, err = m.CompleteAttempt(ctx, ec, "a", 1, models.StepStatusSucceeded, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	// A racing timeout signal for the same attempt loses.
	_, err = m.CompleteAttempt(ctx, ec, "a", 1, models.StepStatusTimedOut, nil, "no response within 30s")
	assert.ErrorIs(t, err, models.ErrStaleTransition)
	assert.Equal(t, models.StepStatusSucceeded, stepViewOf(t, ec, "a").Status)
}

func TestCompleteAttempt_StaleAttemptNumberRejected(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	ec, err := m.Begin(ctx, twoStepWorkflow(2), nil)
	require.NoError(t, err)
	_, err = m.Dispatch(ctx, ec, "a")
	require.NoError(t, err)

	final, err := m.CompleteAttempt(ctx, ec, "a", 1, models.StepStatusFailed, nil, "boom")
	require.NoError(t, err)
	require.Equal(t, models.StepStatusRetrying, final)
	_, err = m.Dispatch(ctx, ec, "a")
	require.NoError(t, err)

	// Attempt 2 is live; a late signal for attempt 1 must not apply.
	_, err = m.CompleteAttempt(ctx, ec, "a", 1, models.StepStatusSucceeded, json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, models.ErrStaleTransition)
}

func TestCompleteAttempt_RetryPolicyExhaustsBudget(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	// retry_count 2 allows exactly three attempts.
	ec, err := m.Begin(ctx, twoStepWorkflow(2), nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		rec, err := m.Dispatch(ctx, ec, "a")
		require.NoError(t, err)
		require.Equal(t, attempt, rec.Attempt)

		final, err := m.CompleteAttempt(ctx, ec, "a", attempt, models.StepStatusFailed, nil, "agent unavailable")
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, models.StepStatusRetrying, final)
		} else {
			assert.Equal(t, models.StepStatusFailed, final)
		}
	}

	// One row per attempt, each holding that attempt's outcome.
	records := stepRecords(t, store, ec.Execution.ID, "a")
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, models.StepStatusFailed, rec.Status)
	}

	// The budget is spent; no further dispatch.
	_, err = m.Dispatch(ctx, ec, "a")
	assert.ErrorIs(t, err, models.ErrStaleTransition)
}

func TestCompleteAttempt_TimedOutRecordKeepsItsOutcome(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	ec, err := m.Begin(ctx, twoStepWorkflow(0), nil)
	require.NoError(t, err)
	_, err = m.Dispatch(ctx, ec, "a")
	require.NoError(t, err)

	final, err := m.CompleteAttempt(ctx, ec, "a", 1, models.StepStatusTimedOut, nil, "no response within 30s")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, final, "no retries left, the step is terminally failed")

	records := stepRecords(t, store, ec.Execution.ID, "a")
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusTimedOut, records[0].Status, "history keeps the attempt's own outcome")
}

func TestSkip(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	ec, err := m.Begin(ctx, twoStepWorkflow(0), nil)
	require.NoError(t, err)

	require.NoError(t, m.Skip(ctx, ec, "b", "dependency a failed"))
	view := stepViewOf(t, ec, "b")
	assert.Equal(t, models.StepStatusSkipped, view.Status)
	assert.Equal(t, "dependency a failed", view.Error)

	records := stepRecords(t, store, ec.Execution.ID, "b")
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusSkipped, records[0].Status)

	// Terminal steps cannot be skipped again.
	assert.ErrorIs(t, m.Skip(ctx, ec, "b", "twice"), models.ErrStaleTransition)
}

func TestCancel_SkipsOutstandingStepsAndFinalizes(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	ec, err := m.Begin(ctx, twoStepWorkflow(0), nil)
	require.NoError(t, err)
	_, err = m.Dispatch(ctx, ec, "a")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, ec.Execution.ID))

	assert.True(t, ec.Cancelled())
	for _, name := range []string{"a", "b"} {
		assert.Equal(t, models.StepStatusSkipped, stepViewOf(t, ec, name).Status)
	}
	stored, err := store.GetExecution(ctx, ec.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	_, active := m.Get(ec.Execution.ID)
	assert.False(t, active, "terminal executions leave the active set")

	// Cancelling an already terminal execution is a conflict.
	assert.ErrorIs(t, m.Cancel(ctx, ec.Execution.ID), models.ErrConflict)
}

func TestCancel_UnknownExecution(t *testing.T) {
	m, _ := newTestManager()
	assert.ErrorIs(t, m.Cancel(context.Background(), "no-such-execution"), models.ErrNotFound)
}

func TestFinalize_TerminalStateIsNeverLeft(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	ec, err := m.Begin(ctx, twoStepWorkflow(0), nil)
	require.NoError(t, err)

	output := json.RawMessage(`{"load":{"rows":42}}`)
	require.NoError(t, m.Finalize(ctx, ec, models.ExecutionStatusSucceeded, output, ""))

	err = m.Finalize(ctx, ec, models.ExecutionStatusFailed, nil, "late failure")
	assert.ErrorIs(t, err, models.ErrStaleTransition)

	stored, err := store.GetExecution(ctx, ec.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, stored.Status)
	assert.JSONEq(t, string(output), string(stored.OutputData))
}

func TestFinalize_StampsDurationFromClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := start
	m, store := newTestManager(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ec, err := m.Begin(ctx, twoStepWorkflow(0), nil)
	require.NoError(t, err)

	now = start.Add(90 * time.Second)
	require.NoError(t, m.Finalize(ctx, ec, models.ExecutionStatusSucceeded, nil, ""))

	stored, err := store.GetExecution(ctx, ec.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, stored.DurationSeconds)
	assert.Equal(t, start.Add(90*time.Second), *stored.CompletedAt)
}

func TestBeginIteration_FreshRecordsPerPass(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	wf := twoStepWorkflow(0)
	wf.Type = models.WorkflowTypeLoop
	wf.Config = json.RawMessage(`{"loop":{"max_iterations":2}}`)
	ec, err := m.Begin(ctx, wf, nil)
	require.NoError(t, err)

	_, err = m.Dispatch(ctx, ec, "a")
	require.NoError(t, err)
	_, err = m.CompleteAttempt(ctx, ec, "a", 1, models.StepStatusSucceeded, json.RawMessage(`{"n":1}`), "")
	require.NoError(t, err)

	require.NoError(t, m.BeginIteration(ctx, ec, 1))

	assert.Equal(t, 1, ec.Iteration())
	view := stepViewOf(t, ec, "a")
	assert.Equal(t, models.StepStatusPending, view.Status)
	assert.Equal(t, 1, view.Attempt)
	assert.Equal(t, 1, view.Iteration)

	// Prior iteration records are history, untouched.
	records := stepRecords(t, store, ec.Execution.ID, "a")
	require.Len(t, records, 2)
	assert.Equal(t, models.StepStatusSucceeded, records[0].Status)
	assert.Equal(t, 0, records[0].Iteration)
	assert.Equal(t, models.StepStatusPending, records[1].Status)
	assert.Equal(t, 1, records[1].Iteration)
}

func stepViewOf(t *testing.T, ec *ExecutionContext, name string) StepView {
	t.Helper()
	for _, view := range ec.Snapshot() {
		if view.Step.Name == name {
			return view
		}
	}
	t.Fatalf("step %s not in snapshot", name)
	return StepView{}
}
