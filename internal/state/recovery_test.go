package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/repository"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// seedExecution writes a workflow, a running execution, and the given step
// records straight into the store, simulating the durable leftovers of a
// process that died mid-flight.
func seedExecution(t *testing.T, store repository.Store, wf *models.Workflow, records ...*models.StepExecution) *models.WorkflowExecution {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateWorkflow(ctx, wf))
	exec := &models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     models.ExecutionStatusRunning,
		StartedAt:  time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.CreateExecution(ctx, exec))
	for _, rec := range records {
		rec.ExecutionID = exec.ID
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		require.NoError(t, store.CreateStepExecution(ctx, rec))
	}
	return exec
}

func TestRecover_SucceededStepsAreNotReset(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	done := time.Now().Add(-30 * time.Second)
	wf := twoStepWorkflow(1)
	exec := seedExecution(t, store, wf,
		&models.StepExecution{StepID: "step-a", StepName: "a", Status: models.StepStatusSucceeded, Attempt: 1, Result: json.RawMessage(`{"rows":7}`), CompletedAt: &done},
		&models.StepExecution{StepID: "step-b", StepName: "b", Status: models.StepStatusRunning, Attempt: 1},
	)

	recovered, err := m.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	ec := recovered[0]
	assert.Equal(t, exec.ID, ec.Execution.ID)

	// a keeps its result; b's interrupted attempt is closed and retried.
	assert.Equal(t, models.StepStatusSucceeded, stepViewOf(t, ec, "a").Status)
	assert.JSONEq(t, `{"rows":7}`, string(ec.StepResults()["a"]))
	viewB := stepViewOf(t, ec, "b")
	assert.Equal(t, models.StepStatusRetrying, viewB.Status)
	assert.Equal(t, "interrupted by process restart", viewB.Error)

	records := stepRecords(t, store, exec.ID, "b")
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusFailed, records[0].Status)
	assert.Equal(t, "interrupted by process restart", records[0].Error)
}

func TestRecover_InterruptedStepWithoutRetryBudgetFails(t *testing.T) {
	m, store := newTestManager()

	wf := twoStepWorkflow(0)
	wf.ID = "wf-no-retry"
	exec := seedExecution(t, store, wf,
		&models.StepExecution{StepID: "step-a", StepName: "a", Status: models.StepStatusDispatched, Attempt: 1},
		&models.StepExecution{StepID: "step-b", StepName: "b", Status: models.StepStatusPending, Attempt: 1},
	)

	recovered, err := m.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	ec := recovered[0]
	assert.Equal(t, exec.ID, ec.Execution.ID)

	assert.Equal(t, models.StepStatusFailed, stepViewOf(t, ec, "a").Status)
	assert.Equal(t, models.StepStatusPending, stepViewOf(t, ec, "b").Status)
}

func TestRecover_FailedAttemptAwaitingRetryResumesRetrying(t *testing.T) {
	m, store := newTestManager()

	done := time.Now().Add(-10 * time.Second)
	wf := twoStepWorkflow(2)
	wf.ID = "wf-mid-backoff"
	seedExecution(t, store, wf,
		&models.StepExecution{StepID: "step-a", StepName: "a", Status: models.StepStatusFailed, Attempt: 1, Error: "agent unavailable", CompletedAt: &done},
		&models.StepExecution{StepID: "step-b", StepName: "b", Status: models.StepStatusPending, Attempt: 1},
	)

	recovered, err := m.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	// The crash landed between recording the failure and dispatching the
	// retry; the retry must not be lost.
	assert.Equal(t, models.StepStatusRetrying, stepViewOf(t, recovered[0], "a").Status)
}

func TestRecover_CompletedTimedOutAttemptIsNotReclosed(t *testing.T) {
	m, store := newTestManager()

	done := time.Now().Add(-10 * time.Second)
	wf := twoStepWorkflow(1)
	wf.ID = "wf-timed-out"
	exec := seedExecution(t, store, wf,
		&models.StepExecution{StepID: "step-a", StepName: "a", Status: models.StepStatusTimedOut, Attempt: 1, Error: "no response within 30s", CompletedAt: &done},
		&models.StepExecution{StepID: "step-b", StepName: "b", Status: models.StepStatusPending, Attempt: 1},
	)

	recovered, err := m.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, models.StepStatusRetrying, stepViewOf(t, recovered[0], "a").Status)

	// The record already carried its outcome; recovery leaves it alone.
	records := stepRecords(t, store, exec.ID, "a")
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusTimedOut, records[0].Status)
	assert.Equal(t, "no response within 30s", records[0].Error)
}

func TestRecover_LoopResumesNewestIteration(t *testing.T) {
	m, store := newTestManager()

	done := time.Now().Add(-20 * time.Second)
	wf := twoStepWorkflow(0)
	wf.ID = "wf-loop-recover"
	wf.Type = models.WorkflowTypeLoop
	wf.Config = json.RawMessage(`{"loop":{"max_iterations":3}}`)
	seedExecution(t, store, wf,
		&models.StepExecution{StepID: "step-a", StepName: "a", Status: models.StepStatusSucceeded, Attempt: 1, Iteration: 0, CompletedAt: &done},
		&models.StepExecution{StepID: "step-b", StepName: "b", Status: models.StepStatusSucceeded, Attempt: 1, Iteration: 0, CompletedAt: &done},
		&models.StepExecution{StepID: "step-a", StepName: "a", Status: models.StepStatusPending, Attempt: 1, Iteration: 1},
		&models.StepExecution{StepID: "step-b", StepName: "b", Status: models.StepStatusPending, Attempt: 1, Iteration: 1},
	)

	recovered, err := m.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	ec := recovered[0]
	assert.Equal(t, 1, ec.Iteration())
	assert.Equal(t, models.StepStatusPending, stepViewOf(t, ec, "a").Status)
}

func TestRecover_MissingWorkflowFailsExecution(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	exec := &models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: "deleted-workflow",
		Status:     models.ExecutionStatusRunning,
		StartedAt:  time.Now(),
	}
	require.NoError(t, store.CreateExecution(ctx, exec))

	recovered, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	stored, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "unrecoverable after restart")
}

func TestRecover_TerminalExecutionsAreIgnored(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	wf := twoStepWorkflow(0)
	wf.ID = "wf-done"
	require.NoError(t, store.CreateWorkflow(ctx, wf))
	done := time.Now()
	require.NoError(t, store.CreateExecution(ctx, &models.WorkflowExecution{
		ID:          uuid.New().String(),
		WorkflowID:  wf.ID,
		Status:      models.ExecutionStatusSucceeded,
		StartedAt:   done.Add(-time.Minute),
		CompletedAt: &done,
	}))

	recovered, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}
