package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/hookflow/hookflow/metrics"
	"github.com/hookflow/hookflow/workflow"
)

// AITimeout caps every chat completion. It applies on top of the
// processor's step deadline, so even a generously configured ai step
// cannot hold a completion open past five minutes.
const AITimeout = 5 * time.Minute

// AIConfig configures the ai step handler.
type AIConfig struct {
	// BaseURL is the OpenAI-compatible endpoint, usually LM Studio.
	BaseURL string
	// APIKey is sent as the bearer token. LM Studio ignores it but the
	// client requires one.
	APIKey string
	// DefaultModel serves steps that do not name a model.
	DefaultModel string
	// FailureThreshold is how many consecutive provider failures open
	// the circuit breaker.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
}

// DefaultAIConfig returns settings for a local LM Studio endpoint.
func DefaultAIConfig() AIConfig {
	return AIConfig{
		BaseURL:          "http://localhost:1234/v1",
		APIKey:           "lm-studio",
		DefaultModel:     "default",
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Validate checks the config for usable values.
func (c AIConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL required")
	}
	if c.DefaultModel == "" {
		return errors.New("default model required")
	}
	if c.FailureThreshold == 0 {
		return errors.New("failure threshold must be positive")
	}
	if c.Cooldown <= 0 {
		return errors.New("cooldown must be positive")
	}
	return nil
}

// AI issues chat completions for ai steps. A circuit breaker fronts
// the provider so a dead endpoint fails fast instead of tying up the
// ai queue's workers for a full timeout each.
type AI struct {
	client       *openai.Client
	breaker      *gobreaker.CircuitBreaker
	defaultModel string
	timeout      time.Duration
	logger       *slog.Logger
}

// NewAI builds the ai step handler.
func NewAI(cfg AIConfig, logger *slog.Logger) (*AI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ai config: %w", err)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ai-provider",
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.AIBreakerOpen.Set(1)
			} else {
				metrics.AIBreakerOpen.Set(0)
			}
			logger.Warn("AI provider breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})

	return &AI{
		client:       openai.NewClientWithConfig(clientCfg),
		breaker:      breaker,
		defaultModel: cfg.DefaultModel,
		timeout:      AITimeout,
		logger:       logger,
	}, nil
}

// Type reports the step type this handler serves.
func (h *AI) Type() workflow.StepType { return workflow.StepTypeAI }

// Execute issues one chat completion and returns
// {outputKey: content, _meta: {model, usage}}. The provider is called
// exactly once per attempt; retry scheduling belongs to the processor.
func (h *AI) Execute(ctx context.Context, req Request) (any, error) {
	var cfg workflow.AIStepConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	model := cfg.Model
	if model == "" {
		model = h.defaultModel
	}
	var messages []openai.ChatCompletionMessage
	if cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: cfg.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if cfg.MaxTokens > 0 {
		chatReq.MaxTokens = cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		chatReq.Temperature = float32(*cfg.Temperature)
	}

	start := time.Now()
	result, err := h.breaker.Execute(func() (any, error) {
		return h.client.CreateChatCompletion(ctx, chatReq)
	})
	if err != nil {
		return nil, classifyAIError(err)
	}
	resp := result.(openai.ChatCompletionResponse)

	if len(resp.Choices) == 0 {
		return nil, workflow.NewStepError(workflow.CategoryTransient, "AI_NO_RESPONSE",
			"provider returned no choices", map[string]any{"model": model})
	}

	h.logger.Debug("AI step completion finished",
		"run_id", req.RunID,
		"model", resp.Model,
		"total_tokens", resp.Usage.TotalTokens,
		"duration", time.Since(start))

	return map[string]any{
		cfg.OutputKey: resp.Choices[0].Message.Content,
		"_meta": map[string]any{
			"model": resp.Model,
			"usage": map[string]any{
				"promptTokens":     resp.Usage.PromptTokens,
				"completionTokens": resp.Usage.CompletionTokens,
				"totalTokens":      resp.Usage.TotalTokens,
			},
		},
	}, nil
}

// classifyAIError maps provider failures onto the error taxonomy. The
// provider being down or saturated is transient by definition; the
// processor's backoff handles the rest.
func classifyAIError(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return workflow.NewStepError(workflow.CategoryTransient, "AI_UNAVAILABLE",
			"ai provider circuit open", nil)
	case errors.Is(err, context.DeadlineExceeded):
		return workflow.NewStepError(workflow.CategoryTransient, "AI_TIMEOUT",
			err.Error(), nil)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return workflow.NewStepError(workflow.CategoryTransient, "AI_UNAVAILABLE",
			err.Error(), nil)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return workflow.NewStepError(workflow.CategoryTransient, "AI_TIMEOUT",
			err.Error(), nil)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return workflow.NewStepError(workflow.CategoryTransient, "AI_UNAVAILABLE",
			err.Error(), nil)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return workflow.NewStepError(workflow.ClassifyHTTPStatus(apiErr.HTTPStatusCode),
			fmt.Sprintf("HTTP_%d", apiErr.HTTPStatusCode), apiErr.Message,
			map[string]any{"status": apiErr.HTTPStatusCode})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return workflow.NewStepError(workflow.ClassifyHTTPStatus(reqErr.HTTPStatusCode),
			fmt.Sprintf("HTTP_%d", reqErr.HTTPStatusCode), reqErr.Error(),
			map[string]any{"status": reqErr.HTTPStatusCode})
	}
	return fmt.Errorf("ai completion: %w", err)
}
