// Package handler defines the step handler contract and the four
// canonical handlers: http, transform, ai and delay. Handlers receive
// expression-resolved config and return raw output; retry decisions
// and persistence stay with the run processor.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/hookflow/hookflow/workflow"
)

// Request carries everything one step attempt needs.
type Request struct {
	// RunID identifies the run for logging and tracing.
	RunID string
	// Step is the step definition being executed.
	Step workflow.Step
	// Config is the step config after expression resolution.
	Config map[string]any
	// Context is the run's execution context at the time of the attempt.
	Context workflow.ExecutionContext
	// Attempt is 1-based.
	Attempt int
}

// StepHandler executes one step type.
type StepHandler interface {
	// Type reports which step type this handler serves.
	Type() workflow.StepType

	// Execute runs the step and returns its output. Errors should be
	// *workflow.StepError when the handler can classify them itself;
	// anything else is classified by the caller.
	Execute(ctx context.Context, req Request) (any, error)
}

// Registry resolves handlers by step type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[workflow.StepType]StepHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[workflow.StepType]StepHandler)}
}

// Register adds a handler, replacing any previous handler for the type.
func (r *Registry) Register(h StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get retrieves the handler for a step type, or nil when none is
// registered.
func (r *Registry) Get(stepType workflow.StepType) StepHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[stepType]
}

// Types returns all registered step types.
func (r *Registry) Types() []workflow.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]workflow.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// decodeConfig decodes resolved config into a typed step config and
// validates it, mapping failures to VALIDATION errors.
func decodeConfig[T interface{ Validate() error }](config map[string]any, dst T) error {
	if err := workflow.DecodeConfig(config, dst); err != nil {
		return workflow.NewStepError(workflow.CategoryValidation, "INVALID_CONFIG",
			fmt.Sprintf("decode step config: %v", err), nil)
	}
	if err := dst.Validate(); err != nil {
		return workflow.NewStepError(workflow.CategoryValidation, "INVALID_CONFIG",
			err.Error(), nil)
	}
	return nil
}
