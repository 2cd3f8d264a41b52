package handler

import (
	"context"
	"time"

	"github.com/hookflow/hookflow/workflow"
)

// Delay validates a delay step and returns immediately. The wait
// itself is applied by the processor as the next message's enqueue
// delay, so no worker sleeps through it.
type Delay struct{}

// NewDelay builds the delay step handler.
func NewDelay() *Delay { return &Delay{} }

// Type reports the step type this handler serves.
func (d *Delay) Type() workflow.StepType { return workflow.StepTypeDelay }

// Execute returns {delayMs, delayedUntil} without blocking.
func (d *Delay) Execute(ctx context.Context, req Request) (any, error) {
	var cfg workflow.DelayStepConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, err
	}
	until := time.Now().UTC().Add(time.Duration(cfg.DurationMs) * time.Millisecond)
	return map[string]any{
		"delayMs":      cfg.DurationMs,
		"delayedUntil": until.Format("2006-01-02T15:04:05.000Z07:00"),
	}, nil
}
