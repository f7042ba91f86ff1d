package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// ExecutionContext is the in-memory view of one execution, indexed by
// execution id in the Manager. It is never shared global state; every engine
// call receives the context it operates on.
type ExecutionContext struct {
	Execution   *models.WorkflowExecution
	Workflow    *models.Workflow
	WorkflowCfg *models.WorkflowConfig

	mu        sync.Mutex
	steps     map[string]*stepState
	events    map[string]json.RawMessage
	iteration int
	cancelled bool
}

func newExecutionContext(exec *models.WorkflowExecution, wf *models.Workflow, cfg *models.WorkflowConfig) *ExecutionContext {
	return &ExecutionContext{
		Execution:   exec,
		Workflow:    wf,
		WorkflowCfg: cfg,
		steps:       make(map[string]*stepState, len(wf.Steps)),
		events:      make(map[string]json.RawMessage),
	}
}

// stepState tracks the current attempt of one step within an execution.
type stepState struct {
	step *models.WorkflowStep
	cfg  *models.StepConfig

	recordID    string
	status      models.StepStatus
	attempt     int
	iteration   int
	result      json.RawMessage
	errMsg      string
	startedAt   *time.Time
	completedAt *time.Time
}

func newStepState(step *models.WorkflowStep, iteration int) (*stepState, error) {
	cfg, err := models.ParseStepConfig(step.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config of step %s: %w", step.Name, err)
	}
	return &stepState{
		step:      step,
		cfg:       cfg,
		recordID:  uuid.New().String(),
		status:    models.StepStatusPending,
		attempt:   1,
		iteration: iteration,
	}, nil
}

// record materializes the persistable form of the current attempt.
func (st *stepState) record(executionID string) *models.StepExecution {
	return &models.StepExecution{
		ID:          st.recordID,
		ExecutionID: executionID,
		StepID:      st.step.ID,
		StepName:    st.step.Name,
		Status:      st.status,
		Attempt:     st.attempt,
		Iteration:   st.iteration,
		Result:      st.result,
		Error:       st.errMsg,
		StartedAt:   st.startedAt,
		CompletedAt: st.completedAt,
	}
}

// StepView is a read-only snapshot of one step's progress.
type StepView struct {
	Step       *models.WorkflowStep
	Config     *models.StepConfig
	Status     models.StepStatus
	Attempt    int
	Iteration  int
	Result     json.RawMessage
	Error      string
	BestEffort bool
}

// Snapshot returns a step view per step, in definition order.
func (ec *ExecutionContext) Snapshot() []StepView {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]StepView, 0, len(ec.Workflow.Steps))
	for _, step := range ec.Workflow.Steps {
		st := ec.steps[step.Name]
		out = append(out, StepView{
			Step:       st.step,
			Config:     st.cfg,
			Status:     st.status,
			Attempt:    st.attempt,
			Iteration:  st.iteration,
			Result:     st.result,
			Error:      st.errMsg,
			BestEffort: st.cfg.BestEffort,
		})
	}
	return out
}

// StepResults returns the results of succeeded steps in the current
// iteration, keyed by step name.
func (ec *ExecutionContext) StepResults() map[string]json.RawMessage {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for name, st := range ec.steps {
		if st.status == models.StepStatusSucceeded {
			out[name] = st.result
		}
	}
	return out
}

// Status returns the execution-level status.
func (ec *ExecutionContext) Status() models.ExecutionStatus {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.Execution.Status
}

// Cancelled reports whether cancellation has been requested.
func (ec *ExecutionContext) Cancelled() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cancelled
}

// Iteration returns the current loop iteration index.
func (ec *ExecutionContext) Iteration() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.iteration
}

// RecordEvent stores a received external event for event-driven gating.
func (ec *ExecutionContext) RecordEvent(name string, payload json.RawMessage) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.events[name] = payload
}

// EventReceived reports whether the named event has arrived.
func (ec *ExecutionContext) EventReceived(name string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	_, ok := ec.events[name]
	return ok
}
