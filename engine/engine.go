// Package engine contains the run processor: the state machine that
// consumes queue messages and drives runs step by step. All persisted
// run state transitions happen here, serialized per run by the run
// lock; handlers only execute I/O and return output or a classified
// error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hookflow/hookflow/handler"
	"github.com/hookflow/hookflow/lock"
	"github.com/hookflow/hookflow/queue"
	"github.com/hookflow/hookflow/workflow"
)

// Store is the persistence surface the processor needs. *storage.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	GetRun(ctx context.Context, id string) (*workflow.Run, error)
	MarkRunRunning(ctx context.Context, id string) (bool, error)
	AdvanceRun(ctx context.Context, id string, newIndex int, newContext workflow.ExecutionContext) (bool, error)
	CompleteRun(ctx context.Context, id string, finalContext workflow.ExecutionContext) (bool, error)
	FailRun(ctx context.Context, id string, runErr *workflow.RunError) (bool, error)
	CreateStepExecution(ctx context.Context, exec *workflow.StepExecution) error
	MarkExecutionRunning(ctx context.Context, id string) error
	CompleteExecution(ctx context.Context, id string, output any, durationMs int64) error
	FailExecution(ctx context.Context, id string, stepErr *workflow.StepError, durationMs int64) error
}

// Config tunes the processor's limits.
type Config struct {
	// DefaultStepTimeoutMs is the handler deadline for steps without an
	// explicit timeoutMs.
	DefaultStepTimeoutMs int

	// MaxStepTimeoutMs caps every step deadline regardless of config.
	MaxStepTimeoutMs int

	// MaxStepOutputBytes bounds the serialized output of one step.
	MaxStepOutputBytes int

	// MaxContextSizeBytes bounds the serialized run context after each
	// step's output is merged in.
	MaxContextSizeBytes int

	// LockRetryDelay is how long a message waits before redelivery when
	// the run lock is held by another worker.
	LockRetryDelay time.Duration
}

// DefaultConfig returns the production processor settings.
func DefaultConfig() Config {
	return Config{
		DefaultStepTimeoutMs: 300_000,
		MaxStepTimeoutMs:     1_800_000,
		MaxStepOutputBytes:   262_144,
		MaxContextSizeBytes:  1_048_576,
		LockRetryDelay:       time.Second,
	}
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	if c.DefaultStepTimeoutMs <= 0 {
		return errors.New("default step timeout must be positive")
	}
	if c.MaxStepTimeoutMs < c.DefaultStepTimeoutMs {
		return errors.New("max step timeout must be >= default step timeout")
	}
	if c.MaxStepOutputBytes <= 0 {
		return errors.New("max step output bytes must be positive")
	}
	if c.MaxContextSizeBytes < c.MaxStepOutputBytes {
		return errors.New("max context size must be >= max step output bytes")
	}
	if c.LockRetryDelay <= 0 {
		return errors.New("lock retry delay must be positive")
	}
	return nil
}

// Processor executes queue messages against the run state machine.
type Processor struct {
	store    Store
	enqueuer queue.Enqueuer
	locks    *lock.Manager
	registry *handler.Registry
	cfg      Config
	logger   *slog.Logger
}

// New creates a processor.
func New(store Store, enqueuer queue.Enqueuer, locks *lock.Manager, registry *handler.Registry, cfg Config, logger *slog.Logger) (*Processor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if enqueuer == nil {
		return nil, errors.New("enqueuer is required")
	}
	if locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if registry == nil {
		return nil, errors.New("handler registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processor config: %w", err)
	}
	return &Processor{
		store:    store,
		enqueuer: enqueuer,
		locks:    locks,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// HandlerFor returns the worker callback for one queue. The queue name
// is captured so lock-contention redelivery goes back onto the queue
// the message arrived on.
func (p *Processor) HandlerFor(queueName string) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		return p.process(ctx, queueName, msg)
	}
}

func (p *Processor) process(ctx context.Context, queueName string, msg queue.Message) error {
	switch msg.Type {
	case queue.TypeStartRun:
		return p.startRun(ctx, msg)
	case queue.TypeExecuteStep:
		return p.executeStep(ctx, queueName, msg)
	case queue.TypeCompleteRun:
		// Reserved. Runs complete inline in executeStep today.
		p.logger.Debug("Ignoring run completion message", "run_id", msg.RunID)
		return nil
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// queueFor routes a step to its worker pool: ai steps go to the ai
// queue so slow model calls cannot starve everything else.
func queueFor(stepType workflow.StepType) string {
	if stepType == workflow.StepTypeAI {
		return queue.QueueAI
	}
	return queue.QueueExecute
}
