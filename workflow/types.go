// Package workflow defines the hookflow domain model: workflows, steps,
// runs, step executions, retry policies, and the failure taxonomy shared
// by the step handlers and the run processor.
package workflow

import (
	"sort"
	"time"
)

// StepType identifies which handler executes a step.
type StepType string

const (
	// StepTypeHTTP issues an outbound HTTP request.
	StepTypeHTTP StepType = "http"
	// StepTypeTransform evaluates an expression against the run context.
	StepTypeTransform StepType = "transform"
	// StepTypeAI issues a chat completion against the configured LLM endpoint.
	StepTypeAI StepType = "ai"
	// StepTypeDelay defers the next step without occupying a worker.
	StepTypeDelay StepType = "delay"
)

// String returns the string representation of the step type.
func (t StepType) String() string {
	return string(t)
}

// IsValid returns true if the step type is one of the four canonical types.
func (t StepType) IsValid() bool {
	switch t {
	case StepTypeHTTP, StepTypeTransform, StepTypeAI, StepTypeDelay:
		return true
	default:
		return false
	}
}

// Workflow is the stable authoring entity: an ordered sequence of steps
// triggered by webhooks on its slug.
type Workflow struct {
	// ID is the opaque workflow identifier.
	ID string `json:"id"`

	// Name is the human-readable workflow name.
	Name string `json:"name"`

	// Slug is the unique URL path segment for webhook admission
	// (lowercase letters, digits, hyphens; 1..100 chars).
	Slug string `json:"slug"`

	// WebhookSecret, when set, requires inbound webhooks to carry a valid
	// HMAC-SHA256 signature over the raw body.
	WebhookSecret string `json:"webhookSecret,omitempty"`

	// Enabled gates webhook admission; disabled workflows reject triggers.
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Steps are ordered by their Order field. May be empty.
	Steps []Step `json:"steps,omitempty"`
}

// EnabledSteps returns the steps the processor considers: enabled only,
// sorted ascending by Order. The receiver's slice is not modified.
func (w *Workflow) EnabledSteps() []Step {
	enabled := make([]Step, 0, len(w.Steps))
	for _, s := range w.Steps {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Order < enabled[j].Order
	})
	return enabled
}

// Step is one stage in a workflow. Steps are authored out-of-band and are
// immutable from the processor's point of view during a run.
type Step struct {
	// ID is the opaque step identifier.
	ID string `json:"id"`

	// WorkflowID is the owning workflow.
	WorkflowID string `json:"workflowId"`

	// Order is the zero-based position within the workflow. Within a
	// workflow, orders are unique and densified to [0..n) after deletions.
	Order int `json:"order"`

	// Name is unique within the workflow (1..100 chars) and keys this
	// step's output in the run context.
	Name string `json:"name"`

	// Type selects the handler.
	Type StepType `json:"type"`

	// Config is the handler configuration, discriminated by Type. It is
	// stored as decoded JSON so the processor can resolve {{...}}
	// placeholders in place before handing it to the handler.
	Config map[string]any `json:"config"`

	// RetryPolicy overrides the default retry behavior when set.
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`

	// TimeoutMs caps the handler deadline for this step. Zero means the
	// engine default applies.
	TimeoutMs int `json:"timeoutMs,omitempty"`

	// Enabled excludes the step from execution when false.
	Enabled bool `json:"enabled"`
}

// EffectiveRetryPolicy returns the step's retry policy, or the default
// policy when none is configured.
func (s *Step) EffectiveRetryPolicy() RetryPolicy {
	if s.RetryPolicy != nil {
		return *s.RetryPolicy
	}
	return DefaultRetryPolicy()
}

// EffectiveTimeout returns the handler deadline for this step given the
// engine default.
func (s *Step) EffectiveTimeout(defaultMs int) time.Duration {
	ms := s.TimeoutMs
	if ms <= 0 {
		ms = defaultMs
	}
	return time.Duration(ms) * time.Millisecond
}
