package engine

import (
	"fmt"
	"strings"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// depGraph is the dependency view of one workflow definition: an adjacency
// list keyed by step name with precomputed topological layers. Built once per
// definition and cached by the engine.
type depGraph struct {
	order      []string            // definition order
	deps       map[string][]string // step -> its dependencies
	dependents map[string][]string // step -> steps depending on it
	layers     [][]string          // topological layers, definition order within a layer
}

// buildGraph constructs the dependency graph. The validator rejects cyclic
// definitions before they are stored; a cycle here means a definition bypassed
// validation and is refused.
func buildGraph(wf *models.Workflow) (*depGraph, error) {
	g := &depGraph{
		order:      make([]string, 0, len(wf.Steps)),
		deps:       make(map[string][]string, len(wf.Steps)),
		dependents: make(map[string][]string, len(wf.Steps)),
	}
	for _, step := range wf.Steps {
		g.order = append(g.order, step.Name)
		g.deps[step.Name] = append([]string(nil), step.Dependencies...)
		for _, dep := range step.Dependencies {
			g.dependents[dep] = append(g.dependents[dep], step.Name)
		}
	}

	indegree := make(map[string]int, len(wf.Steps))
	for name, deps := range g.deps {
		indegree[name] = len(deps)
	}

	remaining := len(g.order)
	current := layerOf(g.order, indegree)
	for len(current) > 0 {
		g.layers = append(g.layers, current)
		remaining -= len(current)
		for _, name := range current {
			indegree[name] = -1
			for _, next := range g.dependents[name] {
				indegree[next]--
			}
		}
		current = layerOf(g.order, indegree)
	}
	if remaining != 0 {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("workflow %s: dependency cycle involving steps: %s", wf.ID, strings.Join(stuck, ", "))
	}
	return g, nil
}

func layerOf(order []string, indegree map[string]int) []string {
	var layer []string
	for _, name := range order {
		if indegree[name] == 0 {
			layer = append(layer, name)
		}
	}
	return layer
}
