package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hookflow/hookflow/workflow"
)

// DefaultHTTPTimeout applies when a step config omits timeoutMs.
const DefaultHTTPTimeout = 30 * time.Second

// HTTP issues outbound requests for http steps.
type HTTP struct {
	client  *http.Client
	maxBody int64
	logger  *slog.Logger
}

// NewHTTP builds the http step handler. maxBody caps how much of a
// response body is read; bodies past it fail the step as oversized
// output.
func NewHTTP(client *http.Client, maxBody int64, logger *slog.Logger) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{client: client, maxBody: maxBody, logger: logger}
}

// Type reports the step type this handler serves.
func (h *HTTP) Type() workflow.StepType { return workflow.StepTypeHTTP }

// Execute sends the configured request and returns
// {status, headers, body}. Non-2xx responses become classified errors
// with {status, body} details.
func (h *HTTP) Execute(ctx context.Context, req Request) (any, error) {
	var cfg workflow.HTTPStepConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, err
	}

	timeout := DefaultHTTPTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if cfg.Method != http.MethodGet && cfg.Body != nil {
		raw, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, workflow.NewStepError(workflow.CategoryValidation, "INVALID_CONFIG",
				fmt.Sprintf("serialize request body: %v", err), nil)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return nil, workflow.NewStepError(workflow.CategoryValidation, "INVALID_CONFIG",
			fmt.Sprintf("build request: %v", err), nil)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request %s %s: %w", cfg.Method, cfg.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(raw)) > h.maxBody {
		return nil, workflow.NewStepError(workflow.CategoryValidation, "STEP_OUTPUT_TOO_LARGE",
			fmt.Sprintf("response body exceeds %d bytes", h.maxBody),
			map[string]any{"limit": h.maxBody})
	}

	bodyValue := parseBody(resp.Header.Get("Content-Type"), raw)
	h.logger.Debug("HTTP step request finished",
		"run_id", req.RunID,
		"method", cfg.Method,
		"url", cfg.URL,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, workflow.NewHTTPError(resp.StatusCode, bodyValue)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		headers[k] = strings.Join(vals, ", ")
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    bodyValue,
	}, nil
}

// parseBody decodes JSON responses and leaves everything else as text.
// Undecodable JSON falls back to text rather than failing the step.
func parseBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
