// Package config provides configuration loading for hookflow.
package config

import (
	"fmt"
)

// Config is the complete hookflow configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Workers  WorkersConfig  `yaml:"workers"`
	Limits   LimitsConfig   `yaml:"limits"`
	AI       AIConfig       `yaml:"ai"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the listen address (default: 0.0.0.0)
	Host string `yaml:"host"`
	// Port is the listen port (default: 3000)
	Port int `yaml:"port"`
	// APIKey guards /api/v1 when set; empty leaves the management API open
	APIKey string `yaml:"apiKey"`
	// MaxBodyBytes caps inbound webhook payloads (default: 1 MiB)
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	// URL is the Postgres connection string
	URL string `yaml:"url"`
}

// RedisConfig configures the Redis connection backing queues and locks.
type RedisConfig struct {
	// URL is the Redis connection string (redis://host:port/db)
	URL string `yaml:"url"`
}

// EngineConfig configures step execution timing.
type EngineConfig struct {
	// DefaultStepTimeoutMs applies to steps without their own timeoutMs
	// (default: 300000, five minutes)
	DefaultStepTimeoutMs int `yaml:"defaultStepTimeoutMs"`
	// MaxStepTimeoutMs is the hard ceiling on any step deadline
	// (default: 1800000, thirty minutes)
	MaxStepTimeoutMs int `yaml:"maxStepTimeoutMs"`
	// LockTTLMs is the run-lock lease lifetime (default: 60000)
	LockTTLMs int `yaml:"lockTtlMs"`
	// LockRetryDelayMs is how long a contended step message waits before
	// redelivery (default: 1000)
	LockRetryDelayMs int `yaml:"lockRetryDelayMs"`
}

// WorkersConfig sets per-queue worker counts.
type WorkersConfig struct {
	// Execute is the execute-queue concurrency (default: 5)
	Execute int `yaml:"execute"`
	// AI is the ai-queue concurrency (default: 2)
	AI int `yaml:"ai"`
}

// LimitsConfig bounds authored workflows and run payloads.
type LimitsConfig struct {
	// MaxStepOutputBytes caps one step's serialized output (default: 262144)
	MaxStepOutputBytes int `yaml:"maxStepOutputBytes"`
	// MaxContextSizeBytes caps the serialized run context (default: 1048576)
	MaxContextSizeBytes int `yaml:"maxContextSizeBytes"`
	// MaxStepsPerWorkflow caps authored workflow length (default: 20)
	MaxStepsPerWorkflow int `yaml:"maxStepsPerWorkflow"`
	// MaxConcurrentRuns is a deployment sizing knob surfaced for
	// orchestration tooling; the engine does not enforce it (default: 100)
	MaxConcurrentRuns int `yaml:"maxConcurrentRuns"`
}

// AIConfig configures the LLM endpoint used by ai steps.
type AIConfig struct {
	// BaseURL is the OpenAI-compatible endpoint (default: LM Studio local)
	BaseURL string `yaml:"baseUrl"`
	// DefaultModel serves ai steps that do not name a model
	DefaultModel string `yaml:"defaultModel"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error (default: info)
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			MaxBodyBytes: 1_048_576,
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/hookflow?sslmode=disable",
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Engine: EngineConfig{
			DefaultStepTimeoutMs: 300_000,
			MaxStepTimeoutMs:     1_800_000,
			LockTTLMs:            60_000,
			LockRetryDelayMs:     1_000,
		},
		Workers: WorkersConfig{
			Execute: 5,
			AI:      2,
		},
		Limits: LimitsConfig{
			MaxStepOutputBytes:  262_144,
			MaxContextSizeBytes: 1_048_576,
			MaxStepsPerWorkflow: 20,
			MaxConcurrentRuns:   100,
		},
		AI: AIConfig{
			BaseURL:      "http://localhost:1234/v1",
			DefaultModel: "default",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxBodyBytes < 1 {
		return fmt.Errorf("server.maxBodyBytes must be positive")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Engine.DefaultStepTimeoutMs < 1 {
		return fmt.Errorf("engine.defaultStepTimeoutMs must be positive")
	}
	if c.Engine.MaxStepTimeoutMs < c.Engine.DefaultStepTimeoutMs {
		return fmt.Errorf("engine.maxStepTimeoutMs must be at least the default step timeout")
	}
	if c.Engine.LockTTLMs < 1000 {
		return fmt.Errorf("engine.lockTtlMs must be at least 1000")
	}
	if c.Engine.LockRetryDelayMs < 1 {
		return fmt.Errorf("engine.lockRetryDelayMs must be positive")
	}
	if c.Workers.Execute < 1 {
		return fmt.Errorf("workers.execute must be at least 1")
	}
	if c.Workers.AI < 1 {
		return fmt.Errorf("workers.ai must be at least 1")
	}
	if c.Limits.MaxStepOutputBytes < 1 {
		return fmt.Errorf("limits.maxStepOutputBytes must be positive")
	}
	if c.Limits.MaxContextSizeBytes < c.Limits.MaxStepOutputBytes {
		return fmt.Errorf("limits.maxContextSizeBytes must be at least the step output limit")
	}
	if c.Limits.MaxStepsPerWorkflow < 1 {
		return fmt.Errorf("limits.maxStepsPerWorkflow must be at least 1")
	}
	if c.Limits.MaxConcurrentRuns < 1 {
		return fmt.Errorf("limits.maxConcurrentRuns must be at least 1")
	}
	if c.AI.BaseURL == "" {
		return fmt.Errorf("ai.baseUrl is required")
	}
	if c.AI.DefaultModel == "" {
		return fmt.Errorf("ai.defaultModel is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	return nil
}
