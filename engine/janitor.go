package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hookflow/hookflow/metrics"
)

// JanitorStore is the maintenance surface the janitor needs.
type JanitorStore interface {
	DeleteExpiredIdempotencyKeys(ctx context.Context) (int64, error)
	CountActiveRuns(ctx context.Context) (int, error)
}

// JanitorConfig schedules the background maintenance jobs. Schedules
// use cron syntax, including descriptors like "@hourly" and "@every 30s".
type JanitorConfig struct {
	// KeySweepSchedule controls expired idempotency key deletion.
	KeySweepSchedule string

	// GaugeSchedule controls the active runs gauge refresh.
	GaugeSchedule string

	// OpTimeout bounds each maintenance database call.
	OpTimeout time.Duration
}

// DefaultJanitorConfig returns the production maintenance cadence.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		KeySweepSchedule: "@hourly",
		GaugeSchedule:    "@every 30s",
		OpTimeout:        30 * time.Second,
	}
}

// Validate checks the config for usable values. Schedule syntax is
// validated when the jobs are registered.
func (c JanitorConfig) Validate() error {
	if c.KeySweepSchedule == "" {
		return errors.New("key sweep schedule required")
	}
	if c.GaugeSchedule == "" {
		return errors.New("gauge schedule required")
	}
	if c.OpTimeout <= 0 {
		return errors.New("op timeout must be positive")
	}
	return nil
}

// Janitor runs periodic maintenance: deleting expired idempotency keys
// and refreshing the active runs gauge.
type Janitor struct {
	store  JanitorStore
	cfg    JanitorConfig
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewJanitor creates a janitor with its jobs registered.
func NewJanitor(store JanitorStore, cfg JanitorConfig, logger *slog.Logger) (*Janitor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid janitor config: %w", err)
	}
	j := &Janitor{
		store:  store,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
	if _, err := j.cron.AddFunc(cfg.KeySweepSchedule, j.sweepIdempotencyKeys); err != nil {
		return nil, fmt.Errorf("invalid key sweep schedule: %w", err)
	}
	if _, err := j.cron.AddFunc(cfg.GaugeSchedule, j.updateActiveRuns); err != nil {
		return nil, fmt.Errorf("invalid gauge schedule: %w", err)
	}
	return j, nil
}

// Start begins the maintenance schedule. Both jobs also run once
// immediately so a fresh process reports accurate gauges.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true

	go func() {
		j.sweepIdempotencyKeys()
		j.updateActiveRuns()
	}()
	j.cron.Start()
	j.logger.Info("Janitor started",
		"key_sweep", j.cfg.KeySweepSchedule,
		"gauge_refresh", j.cfg.GaugeSchedule)
}

// Stop halts the schedule and waits for any in-flight job to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	j.running = false

	<-j.cron.Stop().Done()
	j.logger.Info("Janitor stopped")
}

func (j *Janitor) sweepIdempotencyKeys() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.OpTimeout)
	defer cancel()
	deleted, err := j.store.DeleteExpiredIdempotencyKeys(ctx)
	if err != nil {
		j.logger.Error("Idempotency key sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		j.logger.Info("Deleted expired idempotency keys", "count", deleted)
	}
}

func (j *Janitor) updateActiveRuns() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.OpTimeout)
	defer cancel()
	active, err := j.store.CountActiveRuns(ctx)
	if err != nil {
		j.logger.Error("Active run count failed", "error", err)
		return
	}
	metrics.ActiveRuns.Set(float64(active))
}
