package workflow

import (
	"math/rand/v2"
	"time"
)

// BackoffType selects how the base delay grows across attempts.
type BackoffType string

const (
	// BackoffFixed keeps the base delay at initialDelayMs.
	BackoffFixed BackoffType = "fixed"
	// BackoffLinear grows the base delay as initialDelayMs * attempt.
	BackoffLinear BackoffType = "linear"
	// BackoffExponential grows the base delay as initialDelayMs * 2^(attempt-1).
	BackoffExponential BackoffType = "exponential"
)

// IsValid returns true if the backoff type is known.
func (b BackoffType) IsValid() bool {
	switch b {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	default:
		return false
	}
}

// Retry policy bounds. Authored values outside these ranges are rejected
// by validation rather than clamped.
const (
	MinRetryAttempts  = 1
	MaxRetryAttempts  = 10
	MinInitialDelayMs = 100
	MaxInitialDelayMs = 60_000
	MinMaxDelayMs     = 1_000
	MaxMaxDelayMs     = 3_600_000
)

// RetryPolicy controls step-level retries. The engine owns retries
// end-to-end; queue-level delivery is never retried.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget including the first (1..10).
	MaxAttempts int `json:"maxAttempts"`

	// BackoffType selects fixed, linear, or exponential growth.
	BackoffType BackoffType `json:"backoffType"`

	// InitialDelayMs seeds the backoff (100..60000).
	InitialDelayMs int `json:"initialDelayMs"`

	// MaxDelayMs caps the delay after jitter (1000..3600000).
	MaxDelayMs int `json:"maxDelayMs"`
}

// DefaultRetryPolicy returns the engine default: 3 attempts, exponential,
// 1s initial, 60s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BackoffType:    BackoffExponential,
		InitialDelayMs: 1_000,
		MaxDelayMs:     60_000,
	}
}

// Validate checks the policy against the authoring bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < MinRetryAttempts || p.MaxAttempts > MaxRetryAttempts {
		return &ValidationError{Field: "retryPolicy.maxAttempts", Message: "must be between 1 and 10"}
	}
	if !p.BackoffType.IsValid() {
		return &ValidationError{Field: "retryPolicy.backoffType", Message: "must be fixed, linear, or exponential"}
	}
	if p.InitialDelayMs < MinInitialDelayMs || p.InitialDelayMs > MaxInitialDelayMs {
		return &ValidationError{Field: "retryPolicy.initialDelayMs", Message: "must be between 100 and 60000"}
	}
	if p.MaxDelayMs < MinMaxDelayMs || p.MaxDelayMs > MaxMaxDelayMs {
		return &ValidationError{Field: "retryPolicy.maxDelayMs", Message: "must be between 1000 and 3600000"}
	}
	return nil
}

// BackoffBase returns the un-jittered delay for the given 1-based attempt.
func (p RetryPolicy) BackoffBase(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := time.Duration(p.InitialDelayMs) * time.Millisecond
	switch p.BackoffType {
	case BackoffFixed:
		return initial
	case BackoffLinear:
		return initial * time.Duration(attempt)
	default:
		return initial << (attempt - 1)
	}
}

// jitterFloat draws the uniform value behind the jitter factor. Tests
// swap it for a fixed draw to pin delays exactly.
var jitterFloat = rand.Float64

// Backoff returns the delay before retrying after the given failed
// attempt: base grown per BackoffType, a uniform jitter factor in
// [0.10, 0.20] applied, then capped at MaxDelayMs. The cap applies after
// jitter, so the returned delay never exceeds MaxDelayMs.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BackoffBase(attempt)
	jitter := 0.10 + jitterFloat()*0.10
	delay := time.Duration(float64(base) * (1 + jitter))
	if limit := time.Duration(p.MaxDelayMs) * time.Millisecond; delay > limit {
		delay = limit
	}
	return delay
}
