package engine

import (
	"strings"
	"sync"

	"github.com/skeinworks/skein/pkg/domain"
	"github.com/skeinworks/skein/pkg/engine/expr"
)

// inputsScope is the reserved reference namespace for pipeline inputs.
const inputsScope = "inputs"

// ExecutionContext accumulates the step results of one run and exposes them
// to parameter templates and edge conditions. Entries are written once per
// step id; a new cycle iteration overwrites the step's own entry only.
//
// Outputs of a step resolve only after it has succeeded, so a dependent can
// never observe a half-written or failed attempt. The mutex is held for map
// access alone, never across capability calls.
type ExecutionContext struct {
	mu      sync.RWMutex
	inputs  map[string]any
	results map[string]domain.StepResult
}

// NewExecutionContext seeds a context with the pipeline inputs.
func NewExecutionContext(inputs map[string]any) *ExecutionContext {
	copied := make(map[string]any, len(inputs))
	for k, v := range inputs {
		copied[k] = v
	}
	return &ExecutionContext{
		inputs:  copied,
		results: make(map[string]domain.StepResult),
	}
}

// Inputs returns the pipeline inputs.
func (ec *ExecutionContext) Inputs() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	copied := make(map[string]any, len(ec.inputs))
	for k, v := range ec.inputs {
		copied[k] = v
	}
	return copied
}

// Record stores the result for its step id, replacing any prior iteration's
// entry.
func (ec *ExecutionContext) Record(result domain.StepResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results[result.StepID] = result
}

// Result returns the recorded result for a step.
func (ec *ExecutionContext) Result(stepID string) (domain.StepResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	result, ok := ec.results[stepID]
	return result, ok
}

// Results returns a copy of every recorded result keyed by step id.
func (ec *ExecutionContext) Results() map[string]domain.StepResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	copied := make(map[string]domain.StepResult, len(ec.results))
	for id, result := range ec.results {
		copied[id] = result
	}
	return copied
}

// Restore pre-loads results from a checkpoint.
func (ec *ExecutionContext) Restore(results map[string]domain.StepResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for id, result := range results {
		ec.results[id] = result
	}
}

// Lookup adapts the context to the expression resolver. References take the
// form inputs.<name> or <stepID>.<outputKey>, with further dots walking into
// nested maps; a bare head resolves to the whole map. A step's outputs
// resolve only once it has succeeded.
func (ec *ExecutionContext) Lookup() expr.LookupFunc {
	return func(path string) (any, bool) {
		head, rest, _ := strings.Cut(path, ".")

		ec.mu.RLock()
		defer ec.mu.RUnlock()

		if head == inputsScope {
			return walkPath(ec.inputs, rest)
		}
		result, found := ec.results[head]
		if !found || result.Failed() {
			return nil, false
		}
		return walkPath(result.Outputs, rest)
	}
}

// walkPath descends dot-separated segments through nested maps.
func walkPath(scope map[string]any, path string) (any, bool) {
	var value any = scope
	for path != "" {
		seg, rest, _ := strings.Cut(path, ".")
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[seg]
		if !ok {
			return nil, false
		}
		path = rest
	}
	return value, true
}
