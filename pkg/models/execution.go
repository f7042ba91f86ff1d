package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the state of one workflow run
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution status admits no further transition.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the state of one step attempt within an execution
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusDispatched StepStatus = "dispatched"
	StepStatusRunning    StepStatus = "running"
	StepStatusSucceeded  StepStatus = "succeeded"
	StepStatusFailed     StepStatus = "failed"
	StepStatusTimedOut   StepStatus = "timed_out"
	StepStatusRetrying   StepStatus = "retrying"
	StepStatusSkipped    StepStatus = "skipped"
)

// Terminal reports whether the step status is final for the step (not merely
// for one attempt). timed_out and failed attempts with remaining retries pass
// through retrying and are not terminal.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// WorkflowExecution is one concrete run of a workflow against specific input.
// StepResults maps step name to the terminal result of that step and only
// grows; terminal statuses are never left.
type WorkflowExecution struct {
	ID              string                     `json:"id" db:"id"`
	WorkflowID      string                     `json:"workflow_id" db:"workflow_id"`
	Status          ExecutionStatus            `json:"status" db:"status"`
	InputData       json.RawMessage            `json:"input_data,omitempty" db:"input_data"`   // JSONB
	OutputData      json.RawMessage            `json:"output_data,omitempty" db:"output_data"` // JSONB
	StepResults     map[string]json.RawMessage `json:"step_results,omitempty"`
	Steps           []*StepExecution           `json:"steps,omitempty"`
	Error           string                     `json:"error,omitempty" db:"error"`
	StartedAt       time.Time                  `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time                 `json:"completed_at,omitempty" db:"completed_at"`
	DurationSeconds float64                    `json:"duration_seconds,omitempty" db:"duration_seconds"`
}

// StepExecution is the per-attempt record of one step run. Attempt is
// 1-based and never exceeds the step's retry_count + 1. Iteration is 0 for
// non-loop workflows and counts loop passes otherwise.
type StepExecution struct {
	ID          string          `json:"id" db:"id"`
	ExecutionID string          `json:"execution_id" db:"execution_id"`
	StepID      string          `json:"step_id" db:"step_id"`
	StepName    string          `json:"step_name" db:"step_name"`
	Status      StepStatus      `json:"status" db:"status"`
	Attempt     int             `json:"attempt" db:"attempt"`
	Iteration   int             `json:"iteration" db:"iteration"`
	Result      json.RawMessage `json:"result,omitempty" db:"result"` // JSONB
	Error       string          `json:"error,omitempty" db:"error"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// WorkflowStats aggregates execution history for one workflow.
type WorkflowStats struct {
	WorkflowID             string  `json:"workflow_id"`
	ExecutionCount         int     `json:"execution_count"`
	SuccessCount           int     `json:"success_count"`
	FailureCount           int     `json:"failure_count"`
	CancelledCount         int     `json:"cancelled_count"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
}

// SystemStats aggregates execution history across all workflows.
type SystemStats struct {
	WorkflowCount          int     `json:"workflow_count"`
	ExecutionCount         int     `json:"execution_count"`
	SuccessCount           int     `json:"success_count"`
	FailureCount           int     `json:"failure_count"`
	CancelledCount         int     `json:"cancelled_count"`
	RunningCount           int     `json:"running_count"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}
