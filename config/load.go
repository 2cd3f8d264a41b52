package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration with layered precedence:
//  1. Defaults
//  2. YAML file, when a path is given
//  3. Environment variables
//
// The result is validated before it is returned.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		logger.Debug("Loaded config file", "path", path)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides config fields from the process environment.
func applyEnv(cfg *Config) error {
	envString("HOST", &cfg.Server.Host)
	envString("API_KEY", &cfg.Server.APIKey)
	envString("DATABASE_URL", &cfg.Database.URL)
	envString("REDIS_URL", &cfg.Redis.URL)
	envString("LM_STUDIO_URL", &cfg.AI.BaseURL)
	envString("LOG_LEVEL", &cfg.Log.Level)

	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"PORT", &cfg.Server.Port},
		{"DEFAULT_STEP_TIMEOUT_MS", &cfg.Engine.DefaultStepTimeoutMs},
		{"MAX_STEP_TIMEOUT_MS", &cfg.Engine.MaxStepTimeoutMs},
		{"LOCK_TTL_MS", &cfg.Engine.LockTTLMs},
		{"EXECUTE_WORKERS", &cfg.Workers.Execute},
		{"AI_WORKERS", &cfg.Workers.AI},
		{"MAX_STEP_OUTPUT_BYTES", &cfg.Limits.MaxStepOutputBytes},
		{"MAX_CONTEXT_SIZE_BYTES", &cfg.Limits.MaxContextSizeBytes},
		{"MAX_STEPS_PER_WORKFLOW", &cfg.Limits.MaxStepsPerWorkflow},
		{"MAX_CONCURRENT_RUNS", &cfg.Limits.MaxConcurrentRuns},
	} {
		if err := envInt(v.name, v.dst); err != nil {
			return err
		}
	}

	if err := envInt64("MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes); err != nil {
		return err
	}
	return nil
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envInt64(name string, dst *int64) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}
