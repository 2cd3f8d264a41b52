package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hookflow/hookflow/expr"
	"github.com/hookflow/hookflow/handler"
	"github.com/hookflow/hookflow/lock"
	"github.com/hookflow/hookflow/metrics"
	"github.com/hookflow/hookflow/queue"
	"github.com/hookflow/hookflow/workflow"
)

// startRun moves a pending run to running and enqueues its first step.
// Safe under redelivery: a run already past pending is only re-kicked,
// never rewound, and duplicate first-step messages are dropped later by
// the step index guard.
func (p *Processor) startRun(ctx context.Context, msg queue.Message) error {
	wf, err := p.store.GetWorkflow(ctx, msg.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", msg.WorkflowID, err)
	}
	run, err := p.store.GetRun(ctx, msg.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", msg.RunID, err)
	}
	if run.Status.IsTerminal() {
		p.logger.Debug("Run already terminal at start", "run_id", run.ID, "status", run.Status)
		return nil
	}

	if run.Status == workflow.RunStatusPending {
		started, err := p.store.MarkRunRunning(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("mark run running: %w", err)
		}
		if started {
			metrics.RunsTotal.WithLabelValues("started").Inc()
		}
	}

	enabled := wf.EnabledSteps()
	if len(enabled) == 0 {
		completed, err := p.store.CompleteRun(ctx, run.ID, run.Context)
		if err != nil {
			return fmt.Errorf("complete empty run: %w", err)
		}
		if completed {
			metrics.RunsTotal.WithLabelValues("completed").Inc()
			p.logger.Info("Run completed with no enabled steps", "run_id", run.ID, "workflow_id", wf.ID)
		}
		return nil
	}

	first := enabled[0]
	next := queue.NewExecuteStep(run.ID, wf.ID, 0, first.ID, 1)
	if err := p.enqueuer.Enqueue(ctx, queueFor(first.Type), next, 0); err != nil {
		return fmt.Errorf("enqueue first step: %w", err)
	}
	p.logger.Info("Run started",
		"run_id", run.ID,
		"workflow_id", wf.ID,
		"steps", len(enabled),
		"first_step", first.Name)
	return nil
}

// executeStep runs one step attempt under the run lock.
func (p *Processor) executeStep(ctx context.Context, queueName string, msg queue.Message) error {
	lease, err := p.locks.Acquire(ctx, msg.RunID)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.LockContentionTotal.Inc()
			p.logger.Debug("Run locked elsewhere, delaying message",
				"run_id", msg.RunID, "step_index", msg.StepIndex, "attempt", msg.Attempt)
			return p.enqueuer.Enqueue(ctx, queueName, msg, p.cfg.LockRetryDelay)
		}
		return err
	}
	stopRenew := lease.AutoRenew(ctx)
	defer func() {
		stopRenew()
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("Run lock release failed", "run_id", msg.RunID, "error", err)
		}
	}()

	wf, err := p.store.GetWorkflow(ctx, msg.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", msg.WorkflowID, err)
	}
	run, err := p.store.GetRun(ctx, msg.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", msg.RunID, err)
	}

	if run.Status != workflow.RunStatusRunning {
		p.logger.Debug("Run no longer running, dropping message",
			"run_id", run.ID, "status", run.Status, "step_index", msg.StepIndex)
		return nil
	}
	if run.CurrentStepIndex != msg.StepIndex {
		p.logger.Debug("Stale step message, dropping",
			"run_id", run.ID, "run_index", run.CurrentStepIndex, "message_index", msg.StepIndex)
		return nil
	}

	enabled := wf.EnabledSteps()
	step := stepByID(enabled, msg.StepID)
	if step == nil {
		stepErr := workflow.NewStepError(workflow.CategoryFatal, "STEP_NOT_FOUND",
			fmt.Sprintf("step %s is not in the workflow's enabled steps", msg.StepID),
			map[string]any{"stepIndex": msg.StepIndex})
		return p.failRun(ctx, run, stepErr, msg.StepID, "")
	}
	h := p.registry.Get(step.Type)
	if h == nil {
		stepErr := workflow.NewStepError(workflow.CategoryFatal, "HANDLER_NOT_FOUND",
			fmt.Sprintf("no handler registered for step type %q", step.Type), nil)
		return p.failRun(ctx, run, stepErr, step.ID, step.Name)
	}

	ctxValue, err := run.Context.JSONValue()
	if err != nil {
		return fmt.Errorf("encode run context: %w", err)
	}
	resolved, _ := expr.ResolveExpressions(step.Config, ctxValue).(map[string]any)

	exec := &workflow.StepExecution{
		RunID:    run.ID,
		StepID:   step.ID,
		StepName: step.Name,
		Attempt:  msg.Attempt,
		Input:    resolved,
	}
	if err := p.store.CreateStepExecution(ctx, exec); err != nil {
		return fmt.Errorf("create step execution: %w", err)
	}
	if err := p.store.MarkExecutionRunning(ctx, exec.ID); err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}

	timeout := step.EffectiveTimeout(p.cfg.DefaultStepTimeoutMs)
	if ceiling := time.Duration(p.cfg.MaxStepTimeoutMs) * time.Millisecond; timeout > ceiling {
		timeout = ceiling
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	started := time.Now()
	output, herr := h.Execute(stepCtx, handler.Request{
		RunID:   run.ID,
		Step:    *step,
		Config:  resolved,
		Context: run.Context,
		Attempt: msg.Attempt,
	})
	cancel()
	duration := time.Since(started)

	if herr != nil && ctx.Err() != nil && stepCtx.Err() != context.DeadlineExceeded {
		// Shutdown, not a step deadline. Leave the attempt unsettled so
		// the reaper redelivers it; the recreate-on-conflict in the
		// execution store absorbs the half-written row.
		return fmt.Errorf("step interrupted by shutdown: %w", herr)
	}
	if herr != nil && stepCtx.Err() == context.DeadlineExceeded {
		var stepErr *workflow.StepError
		if !errors.As(herr, &stepErr) {
			herr = workflow.NewTimeoutError(fmt.Sprintf("step %q exceeded its %s deadline", step.Name, timeout))
		}
	}

	if herr == nil {
		herr = p.checkSizes(step.Name, output, run.Context)
	}

	metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(duration.Seconds())

	if herr != nil {
		return p.settleFailure(ctx, run, wf, step, exec, msg, herr, duration)
	}
	return p.settleSuccess(ctx, run, wf, enabled, step, exec, msg, output, duration)
}

// checkSizes enforces the output and context ceilings. Both convert to
// VALIDATION failures so an oversized payload fails the step instead of
// poisoning the context.
func (p *Processor) checkSizes(stepName string, output any, runCtx workflow.ExecutionContext) error {
	rawOutput, err := json.Marshal(output)
	if err != nil {
		return workflow.NewStepError(workflow.CategoryFatal, "OUTPUT_NOT_SERIALIZABLE",
			fmt.Sprintf("step output cannot be serialized: %v", err), nil)
	}
	if len(rawOutput) > p.cfg.MaxStepOutputBytes {
		return workflow.NewStepError(workflow.CategoryValidation, "STEP_OUTPUT_TOO_LARGE",
			fmt.Sprintf("step output is %d bytes, limit is %d", len(rawOutput), p.cfg.MaxStepOutputBytes),
			map[string]any{"sizeBytes": len(rawOutput), "limitBytes": p.cfg.MaxStepOutputBytes})
	}
	rawContext, err := json.Marshal(runCtx.WithStepOutput(stepName, output))
	if err != nil {
		return workflow.NewStepError(workflow.CategoryFatal, "OUTPUT_NOT_SERIALIZABLE",
			fmt.Sprintf("run context cannot be serialized: %v", err), nil)
	}
	if len(rawContext) > p.cfg.MaxContextSizeBytes {
		return workflow.NewStepError(workflow.CategoryValidation, "CONTEXT_TOO_LARGE",
			fmt.Sprintf("run context would be %d bytes, limit is %d", len(rawContext), p.cfg.MaxContextSizeBytes),
			map[string]any{"sizeBytes": len(rawContext), "limitBytes": p.cfg.MaxContextSizeBytes})
	}
	return nil
}

// settleSuccess records the completed attempt, folds the output into
// the context, and schedules the next step or completes the run.
func (p *Processor) settleSuccess(ctx context.Context, run *workflow.Run, wf *workflow.Workflow, enabled []workflow.Step, step *workflow.Step, exec *workflow.StepExecution, msg queue.Message, output any, duration time.Duration) error {
	if err := p.store.CompleteExecution(ctx, exec.ID, output, duration.Milliseconds()); err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	metrics.StepsTotal.WithLabelValues(string(step.Type), "completed").Inc()

	newContext := run.Context.WithStepOutput(step.Name, output)
	nextIndex := msg.StepIndex + 1
	advanced, err := p.store.AdvanceRun(ctx, run.ID, nextIndex, newContext)
	if err != nil {
		return fmt.Errorf("advance run: %w", err)
	}
	if !advanced {
		// Cancelled while the handler was in flight. The output stays on
		// the execution row; the run context is left as the cancel saw it.
		p.logger.Info("Run not advanced, dropping follow-up",
			"run_id", run.ID, "step", step.Name, "step_index", msg.StepIndex)
		return nil
	}

	p.logger.Info("Step completed",
		"run_id", run.ID,
		"step", step.Name,
		"step_index", msg.StepIndex,
		"attempt", msg.Attempt,
		"duration_ms", duration.Milliseconds())

	if nextIndex < len(enabled) {
		var delay time.Duration
		if step.Type == workflow.StepTypeDelay {
			delay = delayFromConfig(exec.Input)
		}
		nextStep := enabled[nextIndex]
		next := queue.NewExecuteStep(run.ID, wf.ID, nextIndex, nextStep.ID, 1)
		if err := p.enqueuer.Enqueue(ctx, queueFor(nextStep.Type), next, delay); err != nil {
			return fmt.Errorf("enqueue next step: %w", err)
		}
		return nil
	}

	completed, err := p.store.CompleteRun(ctx, run.ID, newContext)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if completed {
		metrics.RunsTotal.WithLabelValues("completed").Inc()
		p.logger.Info("Run completed", "run_id", run.ID, "workflow_id", wf.ID, "steps", len(enabled))
	}
	return nil
}

// settleFailure records the failed attempt, then either schedules a
// retry of the same step or fails the run.
func (p *Processor) settleFailure(ctx context.Context, run *workflow.Run, wf *workflow.Workflow, step *workflow.Step, exec *workflow.StepExecution, msg queue.Message, herr error, duration time.Duration) error {
	stepErr := workflow.Classify(herr)
	if err := p.store.FailExecution(ctx, exec.ID, stepErr, duration.Milliseconds()); err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	metrics.StepsTotal.WithLabelValues(string(step.Type), "failed").Inc()

	policy := step.EffectiveRetryPolicy()
	if stepErr.Retryable() && msg.Attempt < policy.MaxAttempts {
		delay := policy.Backoff(msg.Attempt)
		retry := queue.NewExecuteStep(run.ID, wf.ID, msg.StepIndex, step.ID, msg.Attempt+1)
		if err := p.enqueuer.Enqueue(ctx, queueFor(step.Type), retry, delay); err != nil {
			return fmt.Errorf("enqueue retry: %w", err)
		}
		p.logger.Warn("Step failed, retrying",
			"run_id", run.ID,
			"step", step.Name,
			"code", stepErr.Code,
			"attempt", msg.Attempt,
			"max_attempts", policy.MaxAttempts,
			"retry_delay", delay)
		return nil
	}

	return p.failRun(ctx, run, stepErr, step.ID, step.Name)
}

// failRun terminally fails a run with the classified step error.
func (p *Processor) failRun(ctx context.Context, run *workflow.Run, stepErr *workflow.StepError, stepID, stepName string) error {
	failed, err := p.store.FailRun(ctx, run.ID, stepErr.RunError(stepID, stepName))
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	if failed {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
	}
	p.logger.Error("Run failed",
		"run_id", run.ID,
		"workflow_id", run.WorkflowID,
		"step", stepName,
		"code", stepErr.Code,
		"message", stepErr.Message)
	return nil
}

func stepByID(steps []workflow.Step, id string) *workflow.Step {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}

// delayFromConfig reads durationMs from a delay step's resolved config.
// Numbers arrive as float64 after the JSON round-trip.
func delayFromConfig(cfg map[string]any) time.Duration {
	switch v := cfg["durationMs"].(type) {
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}
