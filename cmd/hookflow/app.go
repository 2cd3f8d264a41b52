package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/hookflow/hookflow/config"
	"github.com/hookflow/hookflow/engine"
	"github.com/hookflow/hookflow/handler"
	"github.com/hookflow/hookflow/lock"
	"github.com/hookflow/hookflow/queue"
	"github.com/hookflow/hookflow/server"
	"github.com/hookflow/hookflow/storage"
)

// dbMaxOpenConns bounds the shared Postgres pool across all workers.
const dbMaxOpenConns = 20

// App wires together all components: Postgres store, Redis queues and
// locks, the run processor with its workers, the janitor, and the
// HTTP front end.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sqlx.DB
	rdb   *redis.Client
	store *storage.Store

	executeWorker *queue.Worker
	aiWorker      *queue.Worker
	janitor       *engine.Janitor
	server        *server.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes and starts all components. On error, anything
// already started is shut down again.
func (a *App) Start(ctx context.Context) error {
	if err := a.connectPostgres(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := a.connectRedis(ctx); err != nil {
		a.closeStores()
		return fmt.Errorf("connect redis: %w", err)
	}

	rq, err := queue.New(a.rdb, queue.DefaultConfig(), a.logger)
	if err != nil {
		a.closeStores()
		return fmt.Errorf("create queue: %w", err)
	}

	lockCfg := lock.DefaultConfig()
	lockCfg.TTL = time.Duration(a.cfg.Engine.LockTTLMs) * time.Millisecond
	locks, err := lock.NewManager(a.rdb, lockCfg, a.logger)
	if err != nil {
		a.closeStores()
		return fmt.Errorf("create lock manager: %w", err)
	}

	registry, err := a.buildRegistry()
	if err != nil {
		a.closeStores()
		return fmt.Errorf("build handler registry: %w", err)
	}

	proc, err := engine.New(a.store, rq, locks, registry, engine.Config{
		DefaultStepTimeoutMs: a.cfg.Engine.DefaultStepTimeoutMs,
		MaxStepTimeoutMs:     a.cfg.Engine.MaxStepTimeoutMs,
		MaxStepOutputBytes:   a.cfg.Limits.MaxStepOutputBytes,
		MaxContextSizeBytes:  a.cfg.Limits.MaxContextSizeBytes,
		LockRetryDelay:       time.Duration(a.cfg.Engine.LockRetryDelayMs) * time.Millisecond,
	}, a.logger)
	if err != nil {
		a.closeStores()
		return fmt.Errorf("create processor: %w", err)
	}

	a.executeWorker, err = queue.NewWorker(rq, queue.QueueExecute,
		a.cfg.Workers.Execute, proc.HandlerFor(queue.QueueExecute), a.logger)
	if err != nil {
		a.closeStores()
		return fmt.Errorf("create execute worker: %w", err)
	}
	a.aiWorker, err = queue.NewWorker(rq, queue.QueueAI,
		a.cfg.Workers.AI, proc.HandlerFor(queue.QueueAI), a.logger)
	if err != nil {
		a.closeStores()
		return fmt.Errorf("create ai worker: %w", err)
	}

	a.janitor, err = engine.NewJanitor(a.store, engine.DefaultJanitorConfig(), a.logger)
	if err != nil {
		a.closeStores()
		return fmt.Errorf("create janitor: %w", err)
	}

	a.server, err = server.New(a.store, rq, a.rdb, server.Config{
		Host:                a.cfg.Server.Host,
		Port:                a.cfg.Server.Port,
		APIKey:              a.cfg.Server.APIKey,
		MaxStepsPerWorkflow: a.cfg.Limits.MaxStepsPerWorkflow,
		MaxStepTimeoutMs:    a.cfg.Engine.MaxStepTimeoutMs,
		MaxBodyBytes:        a.cfg.Server.MaxBodyBytes,
		ShutdownTimeout:     10 * time.Second,
	}, a.logger)
	if err != nil {
		a.closeStores()
		return fmt.Errorf("create server: %w", err)
	}

	if err := a.executeWorker.Start(ctx); err != nil {
		a.closeStores()
		return fmt.Errorf("start execute worker: %w", err)
	}
	if err := a.aiWorker.Start(ctx); err != nil {
		a.executeWorker.Stop()
		a.closeStores()
		return fmt.Errorf("start ai worker: %w", err)
	}
	a.janitor.Start()

	if err := a.server.Start(ctx); err != nil {
		a.janitor.Stop()
		a.aiWorker.Stop()
		a.executeWorker.Stop()
		a.closeStores()
		return fmt.Errorf("start server: %w", err)
	}
	return nil
}

// Stop shuts components down in reverse order: stop admitting work,
// drain the workers, then close the stores.
func (a *App) Stop(ctx context.Context) {
	if a.server != nil {
		a.server.Stop()
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}

	done := make(chan struct{})
	go func() {
		if a.aiWorker != nil {
			a.aiWorker.Stop()
		}
		if a.executeWorker != nil {
			a.executeWorker.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Worker drain timed out, abandoning in-flight messages")
	}

	a.closeStores()
}

func (a *App) connectPostgres(ctx context.Context) error {
	db, err := sqlx.Open("postgres", a.cfg.Database.URL)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(dbMaxOpenConns)
	db.SetMaxIdleConns(dbMaxOpenConns / 4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return err
	}

	a.db = db
	a.store = storage.New(db, a.logger)
	if err := a.store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		a.db, a.store = nil, nil
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.logger.Info("Postgres connected")
	return nil
}

func (a *App) connectRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return err
	}
	a.rdb = rdb
	a.logger.Info("Redis connected")
	return nil
}

func (a *App) buildRegistry() (*handler.Registry, error) {
	ai, err := handler.NewAI(handler.AIConfig{
		BaseURL:          a.cfg.AI.BaseURL,
		APIKey:           "lm-studio",
		DefaultModel:     a.cfg.AI.DefaultModel,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	registry := handler.NewRegistry()
	registry.Register(handler.NewHTTP(&http.Client{}, int64(a.cfg.Limits.MaxStepOutputBytes), a.logger))
	registry.Register(handler.NewTransform())
	registry.Register(ai)
	registry.Register(handler.NewDelay())
	return registry, nil
}

func (a *App) closeStores() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Close postgres", "error", err)
		}
		a.db, a.store = nil, nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("Close redis", "error", err)
		}
		a.rdb = nil
	}
}
