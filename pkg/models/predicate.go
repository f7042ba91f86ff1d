package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Predicate is a small comparison over accumulated step results, used by
// conditional branches and loop exit conditions. It selects a value from a
// named step's result via a dot path and compares it against Equals.
type Predicate struct {
	Step   string      `json:"step"`
	Path   string      `json:"path"`
	Equals interface{} `json:"equals"`
}

// Evaluate resolves the predicate against the given step results, keyed by
// step name. A missing step or path evaluates to false without error so that
// branches gated on optional upstream output simply do not fire.
func (p *Predicate) Evaluate(results map[string]json.RawMessage) (bool, error) {
	if p == nil {
		return true, nil
	}
	if p.Step == "" {
		return false, fmt.Errorf("predicate: step name is required")
	}
	raw, ok := results[p.Step]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("predicate: result of step %s is not valid JSON: %w", p.Step, err)
	}
	value, found := lookupPath(doc, p.Path)
	if !found {
		return false, nil
	}
	return reflect.DeepEqual(normalize(value), normalize(p.Equals)), nil
}

func lookupPath(doc interface{}, path string) (interface{}, bool) {
	if path == "" {
		return doc, true
	}
	current := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// normalize folds numeric types to float64 so values decoded from JSON
// compare equal to literals supplied in Go code.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return v
		}
		return f
	}
	return v
}
