// Package registry maps names declared in job descriptions to Go callables.
//
// A job description can name an in-process function (setup key `function`
// of a python code) and an objective that reduces a finished run directory
// to a result (setup key `objective_function`). Both are resolved once when
// the job is prepared, never looked up during an evaluation.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// Function is called in-process with the keyword arguments of one evaluation.
// It returns a scalar, a slice of scalars, or a tuple-like []interface{}.
type Function func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error)

// Objective reduces the output files of a finished run to a result.
type Objective func(ctx context.Context, runDir string, kwargs map[string]interface{}) (interface{}, error)

// Registry holds named functions and objectives.
type Registry struct {
	mu         sync.RWMutex
	functions  map[string]Function
	objectives map[string]Objective
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		functions:  make(map[string]Function),
		objectives: make(map[string]Objective),
	}
}

// Default is the registry used when a job is not given one explicitly.
var Default = New()

// RegisterFunction binds name to fn, replacing any previous binding.
func (r *Registry) RegisterFunction(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = fn
}

// RegisterObjective binds name to obj, replacing any previous binding.
func (r *Registry) RegisterObjective(name string, obj Objective) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objectives[name] = obj
}

// Function resolves a function by name.
func (r *Registry) Function(name string) (Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	if !ok {
		return nil, errors.Errorf(errors.KindUnresolved, "function %q is not registered", name).
			WithComponent("registry")
	}
	return fn, nil
}

// Objective resolves an objective by name.
func (r *Registry) Objective(name string) (Objective, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objectives[name]
	if !ok {
		return nil, errors.Errorf(errors.KindUnresolved, "objective %q is not registered", name).
			WithComponent("registry")
	}
	return obj, nil
}

// Names lists registered function and objective names, sorted.
func (r *Registry) Names() (functions, objectives []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.functions {
		functions = append(functions, k)
	}
	for k := range r.objectives {
		objectives = append(objectives, k)
	}
	sort.Strings(functions)
	sort.Strings(objectives)
	return functions, objectives
}
