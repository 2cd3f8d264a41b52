package workflow

import (
	"fmt"
	"regexp"
)

// ValidationError describes an invalid authored field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

var slugRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidateSlug checks the webhook slug shape: lowercase letters, digits,
// and hyphens, 1..100 characters.
func ValidateSlug(slug string) error {
	if len(slug) < 1 || len(slug) > 100 {
		return &ValidationError{Field: "slug", Message: "must be 1..100 characters"}
	}
	if !slugRe.MatchString(slug) {
		return &ValidationError{Field: "slug", Message: "must match [a-z0-9-]+"}
	}
	return nil
}

// Validate checks the workflow's authored fields. Step-level checks run
// per step; cross-step uniqueness (order, name) is enforced here and by
// the storage constraints.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if len(w.Name) > 200 {
		return &ValidationError{Field: "name", Message: "must be at most 200 characters"}
	}
	if err := ValidateSlug(w.Slug); err != nil {
		return err
	}

	seenOrder := make(map[int]bool, len(w.Steps))
	seenName := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
		if seenOrder[s.Order] {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate order %d", s.Order)}
		}
		if seenName[s.Name] {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate name %q", s.Name)}
		}
		seenOrder[s.Order] = true
		seenName[s.Name] = true
	}
	return nil
}

// Validate checks the step's authored fields and its config shape.
func (s *Step) Validate() error {
	if len(s.Name) < 1 || len(s.Name) > 100 {
		return &ValidationError{Field: "name", Message: "must be 1..100 characters"}
	}
	if s.Order < 0 {
		return &ValidationError{Field: "order", Message: "must be non-negative"}
	}
	if !s.Type.IsValid() {
		return &ValidationError{Field: "type", Message: "must be http, transform, ai, or delay"}
	}
	if s.TimeoutMs < 0 {
		return &ValidationError{Field: "timeoutMs", Message: "must be positive"}
	}
	if s.RetryPolicy != nil {
		if err := s.RetryPolicy.Validate(); err != nil {
			return err
		}
	}
	return ValidateStepConfig(s.Type, s.Config)
}
