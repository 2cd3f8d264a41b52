package handler

import (
	"context"
	"fmt"

	"github.com/hookflow/hookflow/expr"
	"github.com/hookflow/hookflow/workflow"
)

// Transform evaluates an expression against the run context.
type Transform struct{}

// NewTransform builds the transform step handler.
func NewTransform() *Transform { return &Transform{} }

// Type reports the step type this handler serves.
func (t *Transform) Type() workflow.StepType { return workflow.StepTypeTransform }

// Execute evaluates config.expression and returns {outputKey: result}.
// Compile and evaluation failures are VALIDATION errors; a transform
// never retries its way out of a bad expression.
func (t *Transform) Execute(ctx context.Context, req Request) (any, error) {
	var cfg workflow.TransformStepConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, err
	}

	scope, err := req.Context.JSONValue()
	if err != nil {
		return nil, fmt.Errorf("render context: %w", err)
	}
	value, err := expr.EvaluateTransform(cfg.Expression, scope)
	if err != nil {
		return nil, workflow.NewStepError(workflow.CategoryValidation, "TRANSFORM_ERROR",
			err.Error(), map[string]any{"expression": cfg.Expression})
	}
	return map[string]any{cfg.OutputKey: value}, nil
}
