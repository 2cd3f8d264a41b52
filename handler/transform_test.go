package handler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/handler"
	"github.com/hookflow/hookflow/workflow"
)

func TestTransformEvaluatesBarePath(t *testing.T) {
	tr := handler.NewTransform()
	out, err := tr.Execute(context.Background(), testRequest(map[string]any{
		"expression": "steps.fetch.status",
		"outputKey":  "code",
	}))
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 200, m["code"])
}

func TestTransformEvaluatesQuery(t *testing.T) {
	tr := handler.NewTransform()
	out, err := tr.Execute(context.Background(), testRequest(map[string]any{
		"expression": ".steps.fetch.body.items | map(.id)",
		"outputKey":  "ids",
	}))
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, []any{1.0, 2.0}, m["ids"])
}

func TestTransformReadsTriggerPayload(t *testing.T) {
	tr := handler.NewTransform()
	out, err := tr.Execute(context.Background(), testRequest(map[string]any{
		"expression": "trigger.body.orderId",
		"outputKey":  "orderId",
	}))
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "ord_42", m["orderId"])
}

func TestTransformCompileErrorIsValidation(t *testing.T) {
	tr := handler.NewTransform()
	_, err := tr.Execute(context.Background(), testRequest(map[string]any{
		"expression": ".steps | | |",
		"outputKey":  "broken",
	}))
	require.Error(t, err)

	var stepErr *workflow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, workflow.CategoryValidation, stepErr.Category)
	assert.Equal(t, "TRANSFORM_ERROR", stepErr.Code)
	assert.Equal(t, ".steps | | |", stepErr.Details["expression"])
	assert.False(t, stepErr.Retryable())
}

func TestTransformRuntimeErrorIsValidation(t *testing.T) {
	tr := handler.NewTransform()
	_, err := tr.Execute(context.Background(), testRequest(map[string]any{
		"expression": ".steps.fetch.status | .[0]",
		"outputKey":  "broken",
	}))
	require.Error(t, err)

	var stepErr *workflow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "TRANSFORM_ERROR", stepErr.Code)
}

func TestTransformRequiresExpressionAndOutputKey(t *testing.T) {
	tr := handler.NewTransform()

	for name, config := range map[string]map[string]any{
		"no expression": {"outputKey": "x"},
		"no output key": {"expression": ".steps"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tr.Execute(context.Background(), testRequest(config))
			require.Error(t, err)

			var stepErr *workflow.StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, "INVALID_CONFIG", stepErr.Code)
		})
	}
}
