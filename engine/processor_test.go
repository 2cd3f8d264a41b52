package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/handler"
	"github.com/hookflow/hookflow/queue"
	"github.com/hookflow/hookflow/workflow"
)

func TestExecuteStepAdvancesAndSchedulesNext(t *testing.T) {
	reg := registryWith(okHandler(workflow.StepTypeHTTP, map[string]any{"status": 200}))
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
		testStep("st-2", "summarize", 1, workflow.StepTypeAI, map[string]any{"prompt": "hi", "outputKey": "summary"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusRunning, run.Status)
	assert.Equal(t, 1, run.CurrentStepIndex)
	output, ok := run.Context.Steps["fetch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 200, output["status"])

	execs := fx.store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.ExecStatusCompleted, execs[0].Status)
	assert.Equal(t, 1, execs[0].Attempt)
	require.NotNil(t, execs[0].DurationMs)

	entries := fx.queue.all()
	require.Len(t, entries, 1)
	assert.Equal(t, queue.QueueAI, entries[0].queue, "next step is ai, so it routes to the ai queue")
	assert.Equal(t, 1, entries[0].msg.StepIndex)
	assert.Equal(t, "st-2", entries[0].msg.StepID)
	assert.Equal(t, 1, entries[0].msg.Attempt)
	assert.Equal(t, time.Duration(0), entries[0].delay)

	// The run lock must be free again.
	lease, err := fx.locks.Acquire(context.Background(), "run-1")
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
}

func TestExecuteStepCompletesRunAfterLastStep(t *testing.T) {
	reg := registryWith(okHandler(workflow.StepTypeHTTP, map[string]any{"status": 204}))
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "notify", 0, workflow.StepTypeHTTP, map[string]any{"method": "POST", "url": "https://hooks.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, 1, run.CurrentStepIndex)
	assert.Contains(t, run.Context.Steps, "notify")
	assert.Empty(t, fx.queue.all())
}

func TestExecuteStepLockContentionDelaysMessage(t *testing.T) {
	fx := newFixture(t, handler.NewRegistry(), DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	lease, err := fx.locks.Acquire(context.Background(), "run-1")
	require.NoError(t, err)
	defer lease.Release(context.Background())

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueAI, msg))

	entries := fx.queue.all()
	require.Len(t, entries, 1)
	assert.Equal(t, queue.QueueAI, entries[0].queue, "redelivery goes back onto the arrival queue")
	assert.Equal(t, msg.ID, entries[0].msg.ID, "the same message is re-enqueued")
	assert.Equal(t, time.Second, entries[0].delay)

	assert.Empty(t, fx.store.executions(), "contention must not touch run state")
	assert.Equal(t, 0, fx.store.run("run-1").CurrentStepIndex)
}

func TestExecuteStepDropsWhenRunNotRunning(t *testing.T) {
	reg := registryWith(okHandler(workflow.StepTypeHTTP, nil))
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusCancelled, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	assert.Empty(t, fx.store.executions())
	assert.Empty(t, fx.queue.all())
	assert.Equal(t, workflow.RunStatusCancelled, fx.store.run("run-1").Status)
}

func TestExecuteStepDropsStaleIndex(t *testing.T) {
	reg := registryWith(okHandler(workflow.StepTypeHTTP, nil))
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
		testStep("st-2", "notify", 1, workflow.StepTypeHTTP, map[string]any{"method": "POST", "url": "https://hooks.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 1)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	assert.Empty(t, fx.store.executions(), "duplicate delivery for an already-advanced index is a no-op")
	assert.Empty(t, fx.queue.all())
}

func TestExecuteStepResolvesExpressions(t *testing.T) {
	var seenURL string
	reg := registryWith(&fakeHandler{typ: workflow.StepTypeHTTP, fn: func(_ context.Context, req handler.Request) (any, error) {
		seenURL, _ = req.Config["url"].(string)
		return map[string]any{"status": 200}, nil
	}})
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{
			"method": "GET",
			"url":    "https://api.example.com/orders/{{trigger.body.orderId}}",
		}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	assert.Equal(t, "https://api.example.com/orders/ord_42", seenURL)
	execs := fx.store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "https://api.example.com/orders/ord_42", execs[0].Input["url"],
		"the execution row records the resolved input")
}

func TestExecuteStepTimeoutIsTransientAndRetried(t *testing.T) {
	reg := registryWith(&fakeHandler{typ: workflow.StepTypeHTTP, fn: func(ctx context.Context, _ handler.Request) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("deadline never fired")
		}
	}})
	fx := newFixture(t, reg, DefaultConfig())
	slow := testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"})
	slow.TimeoutMs = 30
	seedWorkflow(fx.store, slow)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	execs := fx.store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.ExecStatusFailed, execs[0].Status)
	require.NotNil(t, execs[0].Error)
	assert.Equal(t, "TIMEOUT", execs[0].Error.Code)
	assert.Equal(t, workflow.CategoryTransient, execs[0].Error.Category)

	entries := fx.queue.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].msg.Attempt)
	assert.Equal(t, workflow.RunStatusRunning, fx.store.run("run-1").Status)
}

func TestExecuteStepRetriesTransientWithBackoff(t *testing.T) {
	reg := registryWith(&fakeHandler{typ: workflow.StepTypeHTTP, fn: func(context.Context, handler.Request) (any, error) {
		return nil, workflow.NewHTTPError(503, "upstream unavailable")
	}})
	fx := newFixture(t, reg, DefaultConfig())
	flaky := testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"})
	flaky.RetryPolicy = &workflow.RetryPolicy{
		MaxAttempts:    3,
		BackoffType:    workflow.BackoffLinear,
		InitialDelayMs: 200,
		MaxDelayMs:     60_000,
	}
	seedWorkflow(fx.store, flaky)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusRunning, run.Status, "a retryable failure must not fail the run")
	assert.Equal(t, 0, run.CurrentStepIndex)

	entries := fx.queue.all()
	require.Len(t, entries, 1)
	assert.Equal(t, queue.QueueExecute, entries[0].queue)
	assert.Equal(t, 0, entries[0].msg.StepIndex)
	assert.Equal(t, "st-1", entries[0].msg.StepID)
	assert.Equal(t, 2, entries[0].msg.Attempt)
	assert.GreaterOrEqual(t, entries[0].delay, 220*time.Millisecond, "jitter is at least 10%")
	assert.LessOrEqual(t, entries[0].delay, 240*time.Millisecond, "jitter is at most 20%")
}

func TestExecuteStepExhaustedRetriesFailRun(t *testing.T) {
	reg := registryWith(&fakeHandler{typ: workflow.StepTypeHTTP, fn: func(context.Context, handler.Request) (any, error) {
		return nil, workflow.NewHTTPError(503, "upstream unavailable")
	}})
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 3)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "HTTP_503", run.Error.Code)
	assert.Equal(t, "st-1", run.Error.StepID)
	assert.Equal(t, "fetch", run.Error.StepName)
	assert.EqualValues(t, 503, run.Error.Details["status"])
	assert.Empty(t, fx.queue.all(), "the final attempt enqueues nothing")
}

func TestExecuteStepValidationErrorFailsImmediately(t *testing.T) {
	reg := registryWith(&fakeHandler{typ: workflow.StepTypeTransform, fn: func(context.Context, handler.Request) (any, error) {
		return nil, workflow.NewStepError(workflow.CategoryValidation, "TRANSFORM_ERROR",
			"expression failed to compile", map[string]any{"expression": ".broken | |"})
	}})
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "extract", 0, workflow.StepTypeTransform, map[string]any{"expression": ".broken | |", "outputKey": "ids"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusFailed, run.Status)
	assert.Equal(t, "TRANSFORM_ERROR", run.Error.Code)
	assert.Empty(t, fx.queue.all(), "validation failures never retry")
}

func TestExecuteStepOversizedOutputFailsValidation(t *testing.T) {
	reg := registryWith(okHandler(workflow.StepTypeHTTP, strings.Repeat("x", 100)))
	cfg := DefaultConfig()
	cfg.MaxStepOutputBytes = 64
	fx := newFixture(t, reg, cfg)
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	execs := fx.store.executions()
	require.Len(t, execs, 1)
	require.NotNil(t, execs[0].Error)
	assert.Equal(t, "STEP_OUTPUT_TOO_LARGE", execs[0].Error.Code)
	assert.Equal(t, workflow.CategoryValidation, execs[0].Error.Category)

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusFailed, run.Status)
	assert.EqualValues(t, 64, run.Error.Details["limitBytes"])
}

func TestExecuteStepOversizedContextFailsValidation(t *testing.T) {
	reg := registryWith(okHandler(workflow.StepTypeHTTP, strings.Repeat("x", 300)))
	cfg := DefaultConfig()
	cfg.MaxStepOutputBytes = 400
	cfg.MaxContextSizeBytes = 400
	fx := newFixture(t, reg, cfg)
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusFailed, run.Status)
	assert.Equal(t, "CONTEXT_TOO_LARGE", run.Error.Code)
}

func TestExecuteStepDelaySchedulesNextWithDelay(t *testing.T) {
	reg := registryWith(handler.NewDelay(), okHandler(workflow.StepTypeHTTP, nil))
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "cool-off", 0, workflow.StepTypeDelay, map[string]any{"durationMs": 250}),
		testStep("st-2", "notify", 1, workflow.StepTypeHTTP, map[string]any{"method": "POST", "url": "https://hooks.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	execs := fx.store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.ExecStatusCompleted, execs[0].Status,
		"the delay handler returns immediately")

	entries := fx.queue.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "st-2", entries[0].msg.StepID)
	assert.Equal(t, 250*time.Millisecond, entries[0].delay,
		"the wait rides on the next message, not on a worker")
}

func TestExecuteStepUnknownStepFailsRun(t *testing.T) {
	reg := registryWith(okHandler(workflow.StepTypeHTTP, nil))
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-zombie", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusFailed, run.Status)
	assert.Equal(t, "STEP_NOT_FOUND", run.Error.Code)
	assert.Equal(t, "st-zombie", run.Error.StepID)
}

func TestExecuteStepMissingHandlerFailsRun(t *testing.T) {
	fx := newFixture(t, handler.NewRegistry(), DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusFailed, run.Status)
	assert.Equal(t, "HANDLER_NOT_FOUND", run.Error.Code)
	assert.Equal(t, "fetch", run.Error.StepName)
}

func TestExecuteStepCancelledMidFlightDoesNotAdvance(t *testing.T) {
	fx := newFixture(t, handler.NewRegistry(), DefaultConfig())
	reg := registryWith(&fakeHandler{typ: workflow.StepTypeHTTP, fn: func(context.Context, handler.Request) (any, error) {
		fx.store.setRunStatus("run-1", workflow.RunStatusCancelled)
		return map[string]any{"status": 200}, nil
	}})
	proc, err := New(fx.store, fx.queue, fx.locks, reg, DefaultConfig(), testLogger())
	require.NoError(t, err)
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
		testStep("st-2", "notify", 1, workflow.StepTypeHTTP, map[string]any{"method": "POST", "url": "https://hooks.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, proc.process(context.Background(), queue.QueueExecute, msg))

	run := fx.store.run("run-1")
	assert.Equal(t, workflow.RunStatusCancelled, run.Status)
	assert.Equal(t, 0, run.CurrentStepIndex, "a cancel that lands mid-step wins")
	assert.Empty(t, fx.queue.all())

	execs := fx.store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.ExecStatusCompleted, execs[0].Status,
		"the finished attempt is still recorded")
}

func TestExecuteStepRedeliveryReclaimsAttemptRow(t *testing.T) {
	calls := 0
	reg := registryWith(&fakeHandler{typ: workflow.StepTypeHTTP, fn: func(context.Context, handler.Request) (any, error) {
		calls++
		return nil, workflow.NewHTTPError(500, "boom")
	}})
	fx := newFixture(t, reg, DefaultConfig())
	seedWorkflow(fx.store,
		testStep("st-1", "fetch", 0, workflow.StepTypeHTTP, map[string]any{"method": "GET", "url": "https://api.example.com"}),
	)
	seedRun(fx.store, workflow.RunStatusRunning, 0)

	msg := queue.NewExecuteStep("run-1", "wf-1", 0, "st-1", 1)
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))
	require.NoError(t, fx.proc.process(context.Background(), queue.QueueExecute, msg))

	assert.Equal(t, 2, calls)
	assert.Len(t, fx.store.executions(), 1,
		"a redelivered attempt reuses its execution row instead of duplicating it")
}
