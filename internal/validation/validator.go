// Package validation checks workflow definitions for structural correctness
// before they are persisted or executed. Validation is side-effect free and
// collects every violation found rather than stopping at the first.
package validation

import (
	"fmt"
	"strings"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// Bounds enforced at the API boundary.
const (
	MaxNameLength        = 255
	MaxDescriptionLength = 4096
	MaxTags              = 16
	MaxTagLength         = 64
	MaxSteps             = 100
	MaxConfigBytes       = 64 * 1024
)

// Violation describes a single validation failure. Field uses a dot path
// such as "steps[2].timeout_seconds".
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result carries every violation found in one validation pass.
type Result struct {
	Violations []Violation `json:"violations"`
}

// OK reports whether the definition passed validation.
func (r *Result) OK() bool {
	return len(r.Violations) == 0
}

// Error renders the violation list; Result satisfies error so callers can
// return it directly.
func (r *Result) Error() string {
	if r.OK() {
		return "valid"
	}
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return "invalid workflow: " + strings.Join(parts, "; ")
}

func (r *Result) add(field, format string, args ...interface{}) {
	r.Violations = append(r.Violations, Violation{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate checks a proposed workflow definition. It never persists anything;
// a non-empty violation list means the definition must be rejected.
func Validate(wf *models.Workflow) *Result {
	result := &Result{}
	if wf == nil {
		result.add("workflow", "definition is required")
		return result
	}

	validateMetadata(wf, result)
	validateSteps(wf, result)
	validateDependencies(wf, result)
	validateConfigs(wf, result)

	return result
}

func validateMetadata(wf *models.Workflow, result *Result) {
	if strings.TrimSpace(wf.Name) == "" {
		result.add("name", "name is required")
	} else if len(wf.Name) > MaxNameLength {
		result.add("name", "name exceeds %d characters", MaxNameLength)
	}
	if len(wf.Description) > MaxDescriptionLength {
		result.add("description", "description exceeds %d characters", MaxDescriptionLength)
	}
	if !wf.Type.Valid() {
		result.add("workflow_type", "unknown workflow type %q", wf.Type)
	}
	if len(wf.Tags) > MaxTags {
		result.add("tags", "at most %d tags allowed", MaxTags)
	}
	for i, tag := range wf.Tags {
		if len(tag) > MaxTagLength {
			result.add(fmt.Sprintf("tags[%d]", i), "tag exceeds %d characters", MaxTagLength)
		}
	}
}

func validateSteps(wf *models.Workflow, result *Result) {
	if len(wf.Steps) == 0 {
		result.add("steps", "workflow must contain at least one step")
		return
	}
	if len(wf.Steps) > MaxSteps {
		result.add("steps", "at most %d steps allowed", MaxSteps)
	}

	seen := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(step.Name) == "" {
			result.add(field+".name", "step name is required")
			continue
		}
		if len(step.Name) > MaxNameLength {
			result.add(field+".name", "step name exceeds %d characters", MaxNameLength)
		}
		if seen[step.Name] {
			result.add(field+".name", "duplicate step name %q", step.Name)
		}
		seen[step.Name] = true
		if step.AgentRef == "" {
			result.add(field+".agent_ref", "agent reference is required")
		}
		if step.TimeoutSeconds <= 0 {
			result.add(field+".timeout_seconds", "timeout must be greater than zero")
		}
		if step.RetryCount < 0 {
			result.add(field+".retry_count", "retry count must not be negative")
		}
	}
}

// validateDependencies checks that every dependency resolves to a declared
// step name and that the dependency relation is acyclic. Cycle detection is a
// Kahn topological sort: if not every step can be ordered, a cycle remains.
func validateDependencies(wf *models.Workflow, result *Result) {
	names := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		names[step.Name] = true
	}

	indegree := make(map[string]int, len(wf.Steps))
	dependents := make(map[string][]string, len(wf.Steps))
	for i, step := range wf.Steps {
		indegree[step.Name] = indegree[step.Name] + 0
		for _, dep := range step.Dependencies {
			field := fmt.Sprintf("steps[%d].dependencies", i)
			if dep == step.Name {
				result.add(field, "step %q cannot depend on itself", step.Name)
				return
			}
			if !names[dep] {
				result.add(field, "dependency %q does not name a step in this workflow", dep)
				return
			}
			indegree[step.Name]++
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	var queue []string
	for _, step := range wf.Steps {
		if indegree[step.Name] == 0 {
			queue = append(queue, step.Name)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered++
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if ordered != len(wf.Steps) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		result.add("steps", "dependency cycle involving steps: %s", strings.Join(stuck, ", "))
	}
}

func validateConfigs(wf *models.Workflow, result *Result) {
	if len(wf.Config) > MaxConfigBytes {
		result.add("config", "config exceeds %d bytes", MaxConfigBytes)
	}
	if len(wf.Config) > 0 {
		if _, err := models.ParseWorkflowConfig(wf.Config); err != nil {
			result.add("config", "config is not valid JSON: %v", err)
		}
	}

	for i, step := range wf.Steps {
		field := fmt.Sprintf("steps[%d].config", i)
		if len(step.Config) > MaxConfigBytes {
			result.add(field, "config exceeds %d bytes", MaxConfigBytes)
			continue
		}
		cfg, err := models.ParseStepConfig(step.Config)
		if err != nil {
			result.add(field, "config is not valid JSON: %v", err)
			continue
		}
		switch wf.Type {
		case models.WorkflowTypeConditional:
			if cfg.When != nil && cfg.When.Step == "" {
				result.add(field+".when", "predicate requires a step name")
			}
		case models.WorkflowTypeEventDriven:
			// Steps without an event gate run on dependency
			// satisfaction alone, which is legal.
			if cfg.When != nil {
				result.add(field+".when", "predicates are only valid in conditional workflows")
			}
		}
	}

	if wf.Type == models.WorkflowTypeLoop {
		cfg, err := models.ParseWorkflowConfig(wf.Config)
		if err == nil {
			if cfg.Loop == nil {
				result.add("config.loop", "loop workflows require a loop config")
			} else if cfg.Loop.MaxIterations < 0 {
				result.add("config.loop.max_iterations", "iteration bound must not be negative")
			}
		}
	}
}
