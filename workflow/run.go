package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusPending means the run is created but no worker has started it.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning means the processor is advancing the run.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted means every enabled step finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means a step exhausted its retries or failed fatally.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled means the run was cancelled before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known run status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for completed, failed, and cancelled.
// CompletedAt is set iff the run status is terminal.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// TriggerData captures the inbound webhook request that created a run.
type TriggerData struct {
	// Method is the HTTP method of the trigger request.
	Method string `json:"method"`

	// Headers are the trigger request headers, first value per name.
	Headers map[string]string `json:"headers"`

	// Body is the decoded JSON request body (nil for an empty body).
	Body any `json:"body"`

	// Query holds the query parameters, first value per name.
	Query map[string]string `json:"query"`

	// ReceivedAt is the admission timestamp.
	ReceivedAt time.Time `json:"receivedAt"`

	// SourceIP is the client address when known.
	SourceIP string `json:"sourceIp,omitempty"`
}

// ExecutionContext is the accumulated state handlers read and the
// processor extends. It grows only by adding the output of the
// just-completed step under that step's name.
type ExecutionContext struct {
	// Trigger is the webhook payload that started the run. Equal to the
	// run's TriggerData at creation.
	Trigger TriggerData `json:"trigger"`

	// Steps maps step name to that step's output.
	Steps map[string]any `json:"steps"`

	// Variables holds run-scoped values. Reserved for authoring-time
	// presets; the processor never writes it.
	Variables map[string]any `json:"variables"`
}

// NewExecutionContext builds the initial context for a run.
func NewExecutionContext(trigger TriggerData) ExecutionContext {
	return ExecutionContext{
		Trigger:   trigger,
		Steps:     map[string]any{},
		Variables: map[string]any{},
	}
}

// WithStepOutput returns a copy of the context with the named step's
// output added. The receiver is not modified (context is copy-on-write).
func (c ExecutionContext) WithStepOutput(stepName string, output any) ExecutionContext {
	steps := make(map[string]any, len(c.Steps)+1)
	for k, v := range c.Steps {
		steps[k] = v
	}
	steps[stepName] = output
	return ExecutionContext{
		Trigger:   c.Trigger,
		Steps:     steps,
		Variables: c.Variables,
	}
}

// JSONValue returns the context as a plain decoded-JSON value
// (map[string]any with float64 numbers), the form expression
// evaluation operates on.
func (c ExecutionContext) JSONValue() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return out, nil
}

// RunError is the terminal failure recorded on a failed run.
type RunError struct {
	// Code is the classified failure code (HTTP_500, TIMEOUT, ...).
	Code string `json:"code"`

	// Message is the human-readable failure description.
	Message string `json:"message"`

	// Details carries structured failure context (status, body, ...).
	Details map[string]any `json:"details,omitempty"`

	// StepID identifies the failing step.
	StepID string `json:"stepId,omitempty"`

	// StepName is the failing step's name.
	StepName string `json:"stepName,omitempty"`
}

// Run is one execution attempt of a workflow against one trigger payload.
type Run struct {
	// ID is the opaque run identifier.
	ID string `json:"id"`

	// WorkflowID is the workflow this run executes.
	WorkflowID string `json:"workflowId"`

	// Status is the lifecycle state.
	Status RunStatus `json:"status"`

	// TriggerData is the webhook payload that created the run.
	TriggerData TriggerData `json:"triggerData"`

	// Context is the accumulated execution context.
	Context ExecutionContext `json:"context"`

	// CurrentStepIndex is the index into the enabled-steps sequence the
	// processor will execute next. Monotonically non-decreasing for the
	// run's lifetime.
	CurrentStepIndex int `json:"currentStepIndex"`

	// StartedAt is the run creation time.
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is set iff the status is terminal.
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Error is set iff the status is failed.
	Error *RunError `json:"error,omitempty"`
}

// ExecStatus represents the lifecycle state of one step execution attempt.
type ExecStatus string

const (
	ExecStatusPending   ExecStatus = "pending"
	ExecStatusRunning   ExecStatus = "running"
	ExecStatusCompleted ExecStatus = "completed"
	ExecStatusFailed    ExecStatus = "failed"
)

// String returns the string representation of the execution status.
func (s ExecStatus) String() string {
	return string(s)
}

// StepExecution records one attempt at one step within a run.
// Rows are append-only per (RunID, StepID, Attempt); the only mutations
// are status, output, error, completedAt, and durationMs, performed by
// the processor that created the row.
type StepExecution struct {
	ID       string     `json:"id"`
	RunID    string     `json:"runId"`
	StepID   string     `json:"stepId"`
	StepName string     `json:"stepName"`
	Status   ExecStatus `json:"status"`

	// Attempt is 1-based.
	Attempt int `json:"attempt"`

	// Input is the step config after expression resolution.
	Input map[string]any `json:"input"`

	// Output is set on completion.
	Output any `json:"output,omitempty"`

	// Error is set on failure.
	Error *StepError `json:"error,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
}

// IdempotencyKey binds a client-supplied key to the run it created, for
// 24 hours from creation.
type IdempotencyKey struct {
	Key       string    `json:"key"`
	RunID     string    `json:"runId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IdempotencyKeyTTL is how long an idempotency key remains bound to
// its run.
const IdempotencyKeyTTL = 24 * time.Hour

// MaxIdempotencyKeyLength is the longest accepted idempotency key.
const MaxIdempotencyKeyLength = 256
