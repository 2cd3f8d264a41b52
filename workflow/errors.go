package workflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Category classifies a step failure for the retry decision. Retryability
// is derived from the category, never stored independently.
type Category string

const (
	// CategoryTransient covers network errors, request timeouts, HTTP 5xx,
	// and HTTP 429. Retryable.
	CategoryTransient Category = "TRANSIENT"
	// CategoryResource covers pool/connection exhaustion. Retryable.
	CategoryResource Category = "RESOURCE"
	// CategoryAuthorization covers HTTP 401 and 403. Non-retryable.
	CategoryAuthorization Category = "AUTHORIZATION"
	// CategoryNotFound covers HTTP 404. Non-retryable.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryValidation covers other HTTP 4xx, expression failures, and
	// size-limit overruns. Non-retryable.
	CategoryValidation Category = "VALIDATION"
	// CategoryFatal covers everything else. Non-retryable.
	CategoryFatal Category = "FATAL"
)

// Retryable reports whether failures in this category may be retried.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// StepError is the classified failure value crossing every component
// boundary: handlers return it, the processor records it, the API
// surfaces it.
type StepError struct {
	// Category drives the retry decision.
	Category Category `json:"category"`

	// Code is a stable machine-readable identifier (HTTP_503, TIMEOUT,
	// NETWORK_ERROR, TRANSFORM_ERROR, ...).
	Code string `json:"code"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Details carries structured context such as {status, body} for HTTP
	// failures or {expression} for transform failures.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the failure may be retried.
func (e *StepError) Retryable() bool {
	return e.Category.Retryable()
}

// RunError converts the step error into the terminal failure recorded on
// a run.
func (e *StepError) RunError(stepID, stepName string) *RunError {
	return &RunError{
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		StepID:   stepID,
		StepName: stepName,
	}
}

// NewStepError builds a classified failure value.
func NewStepError(category Category, code, message string, details map[string]any) *StepError {
	return &StepError{Category: category, Code: code, Message: message, Details: details}
}

// NewTimeoutError builds the TRANSIENT/TIMEOUT failure the processor
// synthesizes when a step deadline fires.
func NewTimeoutError(message string) *StepError {
	return &StepError{Category: CategoryTransient, Code: "TIMEOUT", Message: message}
}

// ClassifyHTTPStatus maps an HTTP response status to a failure category:
// 5xx and 429 are transient, 401/403 authorization, 404 not found, every
// other 4xx validation, anything else fatal.
func ClassifyHTTPStatus(status int) Category {
	switch {
	case status >= 500 && status <= 599, status == 429:
		return CategoryTransient
	case status == 401, status == 403:
		return CategoryAuthorization
	case status == 404:
		return CategoryNotFound
	case status >= 400 && status <= 499:
		return CategoryValidation
	default:
		return CategoryFatal
	}
}

// NewHTTPError builds a classified failure for a non-OK HTTP response
// with {status, body} in details. The code is HTTP_<status>.
func NewHTTPError(status int, body any) *StepError {
	return &StepError{
		Category: ClassifyHTTPStatus(status),
		Code:     fmt.Sprintf("HTTP_%d", status),
		Message:  fmt.Sprintf("request failed with status %d", status),
		Details:  map[string]any{"status": status, "body": body},
	}
}

// networkErrorMarkers are substrings identifying connection-level
// failures, covering both Go's rendering and raw errno names that
// upstream services echo in message bodies.
var networkErrorMarkers = []string{
	"ECONNREFUSED", "ENOTFOUND", "ETIMEDOUT", "ECONNRESET",
	"socket hang up",
	"connection refused", "no such host", "connection reset",
	"broken pipe",
}

// Classify converts an arbitrary error into a StepError:
//
//   - an error that already is (or wraps) a *StepError passes through,
//   - connection-level failures become TRANSIENT/NETWORK_ERROR,
//   - deadline and timeout failures become TRANSIENT/TIMEOUT,
//   - validation failures become VALIDATION/VALIDATION_ERROR,
//   - everything else becomes FATAL/UNKNOWN_ERROR.
func Classify(err error) *StepError {
	if err == nil {
		return nil
	}

	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}

	msg := err.Error()

	if isNetworkError(err, msg) {
		return &StepError{Category: CategoryTransient, Code: "NETWORK_ERROR", Message: msg}
	}

	if isTimeoutError(err, msg) {
		return &StepError{Category: CategoryTransient, Code: "TIMEOUT", Message: msg}
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return &StepError{Category: CategoryValidation, Code: "VALIDATION_ERROR", Message: msg}
	}

	return &StepError{Category: CategoryFatal, Code: "UNKNOWN_ERROR", Message: msg}
}

func isNetworkError(err error, msg string) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	for _, marker := range networkErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isTimeoutError(err error, msg string) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(msg), "timeout")
}
