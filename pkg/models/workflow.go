// Package models defines the domain models for the workflow orchestration service
package models

import (
	"encoding/json"
	"time"
)

// WorkflowType represents the scheduling discipline governing step dispatch
type WorkflowType string

const (
	WorkflowTypeSequential  WorkflowType = "sequential"
	WorkflowTypeParallel    WorkflowType = "parallel"
	WorkflowTypeConditional WorkflowType = "conditional"
	WorkflowTypeEventDriven WorkflowType = "event_driven"
	WorkflowTypeLoop        WorkflowType = "loop"
)

// Valid reports whether the workflow type is one of the known topologies.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowTypeSequential, WorkflowTypeParallel, WorkflowTypeConditional,
		WorkflowTypeEventDriven, WorkflowTypeLoop:
		return true
	}
	return false
}

// WorkflowStatus represents the lifecycle state of a workflow definition
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// Workflow is a reusable definition of steps and their dependencies/topology.
// A definition is immutable once an execution has started against it.
type Workflow struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description,omitempty" db:"description"`
	Type        WorkflowType    `json:"workflow_type" db:"workflow_type"`
	Status      WorkflowStatus  `json:"status" db:"status"`
	Config      json.RawMessage `json:"config,omitempty" db:"config"` // JSONB
	Tags        []string        `json:"tags,omitempty" db:"tags"`
	Steps       []*WorkflowStep `json:"steps"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// WorkflowStep is a unit of work within a workflow, delegated to an external
// agent. Dependencies reference step names within the same workflow and must
// form a directed acyclic graph.
type WorkflowStep struct {
	ID             string          `json:"id" db:"id"`
	WorkflowID     string          `json:"workflow_id" db:"workflow_id"`
	Name           string          `json:"name" db:"name"`
	StepType       string          `json:"step_type" db:"step_type"`
	AgentRef       string          `json:"agent_ref" db:"agent_ref"`
	Config         json.RawMessage `json:"config,omitempty" db:"config"` // JSONB
	Dependencies   []string        `json:"dependencies,omitempty" db:"dependencies"`
	TimeoutSeconds int             `json:"timeout_seconds" db:"timeout_seconds"`
	RetryCount     int             `json:"retry_count" db:"retry_count"`
	Order          int             `json:"order" db:"step_order"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// WorkflowConfig carries topology-level parameters parsed from Workflow.Config.
type WorkflowConfig struct {
	// MaxConcurrency bounds concurrent dispatch for parallel workflows.
	// Values <= 0 fall back to the engine default.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
	// ContinueOnFailure lets downstream steps run when an upstream step
	// terminally fails; the dependent treats the failure as satisfied.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`
	// OutputSteps designates which steps' results form the execution output.
	// Empty means all step results.
	OutputSteps []string `json:"output_steps,omitempty"`
	// Loop configures re-entry for loop workflows.
	Loop *LoopConfig `json:"loop,omitempty"`
}

// LoopConfig bounds iteration for loop-topology workflows.
type LoopConfig struct {
	// MaxIterations is the hard bound on iterations. Zero means one pass.
	MaxIterations int `json:"max_iterations"`
	// While, when set, is evaluated against the previous iteration's step
	// results; the loop re-enters only while it holds.
	While *Predicate `json:"while,omitempty"`
}

// StepConfig carries per-step parameters parsed from WorkflowStep.Config.
// Which fields are meaningful depends on the owning workflow's topology.
type StepConfig struct {
	// BestEffort marks a step whose terminal failure satisfies its
	// dependents (with error) instead of failing the execution.
	BestEffort bool `json:"best_effort,omitempty"`
	// When gates a conditional step; false transitions the step to skipped.
	When *Predicate `json:"when,omitempty"`
	// Event names the external event that must arrive before an
	// event-driven step becomes ready.
	Event string `json:"event,omitempty"`
	// Payload is passed through to the agent untouched.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseWorkflowConfig decodes the workflow-level config payload. A nil or
// empty payload yields the zero config.
func ParseWorkflowConfig(raw json.RawMessage) (*WorkflowConfig, error) {
	cfg := &WorkflowConfig{}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseStepConfig decodes the step-level config payload.
func ParseStepConfig(raw json.RawMessage) (*StepConfig, error) {
	cfg := &StepConfig{}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
