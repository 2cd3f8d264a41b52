package workflow

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// HTTPStepConfig configures an http step.
type HTTPStepConfig struct {
	// Method is one of GET, POST, PUT, PATCH, DELETE.
	Method string `json:"method"`

	// URL is the absolute http(s) target.
	URL string `json:"url"`

	// Headers merge over the default Content-Type: application/json.
	Headers map[string]string `json:"headers,omitempty"`

	// Body is serialized as JSON for non-GET methods.
	Body any `json:"body,omitempty"`

	// TimeoutMs caps the request deadline; 30000 when zero.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// TransformStepConfig configures a transform step.
type TransformStepConfig struct {
	// Expression is evaluated against {trigger, steps, variables}.
	Expression string `json:"expression"`

	// OutputKey names the result in the step output.
	OutputKey string `json:"outputKey"`
}

// AIStepConfig configures an ai step.
type AIStepConfig struct {
	// Model selects the served model; "default" when empty.
	Model string `json:"model,omitempty"`

	// Prompt is the user message.
	Prompt string `json:"prompt"`

	// SystemPrompt, when set, is sent as the system message.
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// MaxTokens caps the completion length when positive.
	MaxTokens int `json:"maxTokens,omitempty"`

	// Temperature, when set, must be within [0, 2].
	Temperature *float64 `json:"temperature,omitempty"`

	// OutputKey names the completion text in the step output.
	OutputKey string `json:"outputKey"`
}

// DelayStepConfig configures a delay step.
type DelayStepConfig struct {
	// DurationMs is the wait before the next step (1ms .. 24h).
	DurationMs int64 `json:"durationMs"`
}

// MaxDelayDurationMs caps a delay step at 24 hours.
const MaxDelayDurationMs = 86_400_000

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// DecodeConfig unmarshals a decoded-JSON config map into dst through a
// JSON round-trip, so handler config structs and authored maps stay
// interchangeable.
func DecodeConfig(config map[string]any, dst any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ValidateStepConfig checks an authored config map against the shape
// required by the step type.
func ValidateStepConfig(stepType StepType, config map[string]any) error {
	switch stepType {
	case StepTypeHTTP:
		var c HTTPStepConfig
		if err := DecodeConfig(config, &c); err != nil {
			return &ValidationError{Field: "config", Message: err.Error()}
		}
		return c.Validate()
	case StepTypeTransform:
		var c TransformStepConfig
		if err := DecodeConfig(config, &c); err != nil {
			return &ValidationError{Field: "config", Message: err.Error()}
		}
		return c.Validate()
	case StepTypeAI:
		var c AIStepConfig
		if err := DecodeConfig(config, &c); err != nil {
			return &ValidationError{Field: "config", Message: err.Error()}
		}
		return c.Validate()
	case StepTypeDelay:
		var c DelayStepConfig
		if err := DecodeConfig(config, &c); err != nil {
			return &ValidationError{Field: "config", Message: err.Error()}
		}
		return c.Validate()
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown step type %q", stepType)}
	}
}

// Validate checks the http config shape.
func (c *HTTPStepConfig) Validate() error {
	if !httpMethods[c.Method] {
		return &ValidationError{Field: "config.method", Message: "must be GET, POST, PUT, PATCH, or DELETE"}
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "config.url", Message: "must be an absolute http(s) URL"}
	}
	if c.TimeoutMs < 0 {
		return &ValidationError{Field: "config.timeoutMs", Message: "must be positive"}
	}
	return nil
}

// Validate checks the transform config shape.
func (c *TransformStepConfig) Validate() error {
	if c.Expression == "" {
		return &ValidationError{Field: "config.expression", Message: "is required"}
	}
	if c.OutputKey == "" {
		return &ValidationError{Field: "config.outputKey", Message: "is required"}
	}
	return nil
}

// Validate checks the ai config shape.
func (c *AIStepConfig) Validate() error {
	if c.Prompt == "" {
		return &ValidationError{Field: "config.prompt", Message: "is required"}
	}
	if c.OutputKey == "" {
		return &ValidationError{Field: "config.outputKey", Message: "is required"}
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return &ValidationError{Field: "config.temperature", Message: "must be within [0, 2]"}
	}
	if c.MaxTokens < 0 {
		return &ValidationError{Field: "config.maxTokens", Message: "must be positive"}
	}
	return nil
}

// Validate checks the delay config shape.
func (c *DelayStepConfig) Validate() error {
	if c.DurationMs <= 0 {
		return &ValidationError{Field: "config.durationMs", Message: "must be greater than zero"}
	}
	if c.DurationMs > MaxDelayDurationMs {
		return &ValidationError{Field: "config.durationMs", Message: "must not exceed 86400000 (24h)"}
	}
	return nil
}
