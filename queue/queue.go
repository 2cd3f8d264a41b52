// Package queue provides the Redis-backed work queues that drive run
// execution. Two queues exist: "execute" for http, transform and delay
// steps, and "ai" for AI steps, so slow model calls cannot starve the
// rest of the engine. Delivery is at-least-once with single-attempt
// semantics at the queue layer; retries are scheduled explicitly by the
// run processor as new delayed messages.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue names. Worker concurrency differs per queue; see Config.
const (
	QueueExecute = "execute"
	QueueAI      = "ai"
)

// Message types.
const (
	TypeStartRun    = "run.start"
	TypeExecuteStep = "step.execute"
	TypeCompleteRun = "run.complete"
)

// Message is the wire format shared by all queue message types. Fields
// beyond RunID are populated per type: StartRun carries WorkflowID,
// ExecuteStep additionally carries StepIndex, StepID and Attempt, and
// CompleteRun carries Status.
type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId,omitempty"`
	StepIndex  int       `json:"stepIndex"`
	StepID     string    `json:"stepId,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Status     string    `json:"status,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewStartRun builds the message that kicks off a run.
func NewStartRun(runID, workflowID string) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       TypeStartRun,
		RunID:      runID,
		WorkflowID: workflowID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NewExecuteStep builds the message for one step attempt. Attempt is
// 1-based.
func NewExecuteStep(runID, workflowID string, stepIndex int, stepID string, attempt int) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       TypeExecuteStep,
		RunID:      runID,
		WorkflowID: workflowID,
		StepIndex:  stepIndex,
		StepID:     stepID,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NewCompleteRun builds the reserved run-completion message.
func NewCompleteRun(runID string, status string) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       TypeCompleteRun,
		RunID:      runID,
		Status:     status,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Enqueuer is the producer side of a queue. A delay of zero or less
// makes the message deliverable immediately.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, msg Message, delay time.Duration) error
}

// Handler processes one delivered message. A non-nil error moves the
// message to the failed retention list; it is never redelivered.
type Handler func(ctx context.Context, msg Message) error
