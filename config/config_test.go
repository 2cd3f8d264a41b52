package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 3000 {
		t.Errorf("expected default port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Engine.DefaultStepTimeoutMs != 300_000 {
		t.Errorf("expected default step timeout 300000, got %d", cfg.Engine.DefaultStepTimeoutMs)
	}
	if cfg.Engine.MaxStepTimeoutMs != 1_800_000 {
		t.Errorf("expected max step timeout 1800000, got %d", cfg.Engine.MaxStepTimeoutMs)
	}
	if cfg.Workers.Execute != 5 || cfg.Workers.AI != 2 {
		t.Errorf("expected worker counts 5/2, got %d/%d", cfg.Workers.Execute, cfg.Workers.AI)
	}
	if cfg.Limits.MaxStepOutputBytes != 262_144 {
		t.Errorf("expected step output limit 262144, got %d", cfg.Limits.MaxStepOutputBytes)
	}
	if cfg.Limits.MaxContextSizeBytes != 1_048_576 {
		t.Errorf("expected context limit 1048576, got %d", cfg.Limits.MaxContextSizeBytes)
	}
	if cfg.AI.BaseURL != "http://localhost:1234/v1" {
		t.Errorf("expected LM Studio default endpoint, got %s", cfg.AI.BaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "bad port",
			modify:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "missing database url",
			modify:  func(c *Config) { c.Database.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing redis url",
			modify:  func(c *Config) { c.Redis.URL = "" },
			wantErr: true,
		},
		{
			name:    "ceiling below default timeout",
			modify:  func(c *Config) { c.Engine.MaxStepTimeoutMs = c.Engine.DefaultStepTimeoutMs - 1 },
			wantErr: true,
		},
		{
			name:    "lock ttl too small",
			modify:  func(c *Config) { c.Engine.LockTTLMs = 500 },
			wantErr: true,
		},
		{
			name:    "zero execute workers",
			modify:  func(c *Config) { c.Workers.Execute = 0 },
			wantErr: true,
		},
		{
			name:    "context limit below output limit",
			modify:  func(c *Config) { c.Limits.MaxContextSizeBytes = c.Limits.MaxStepOutputBytes - 1 },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Log.Level = "whisper" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hookflow.yaml")

	content := `
server:
  port: 4000
  apiKey: "file-key"
database:
  url: "postgres://db:5432/flows"
engine:
  defaultStepTimeoutMs: 60000
workers:
  ai: 4
limits:
  maxStepsPerWorkflow: 10
ai:
  baseUrl: "http://llm:1234/v1"
log:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("expected port 4000, got %d", cfg.Server.Port)
	}
	if cfg.Server.APIKey != "file-key" {
		t.Errorf("expected api key file-key, got %s", cfg.Server.APIKey)
	}
	if cfg.Database.URL != "postgres://db:5432/flows" {
		t.Errorf("expected file database url, got %s", cfg.Database.URL)
	}
	if cfg.Engine.DefaultStepTimeoutMs != 60_000 {
		t.Errorf("expected default step timeout 60000, got %d", cfg.Engine.DefaultStepTimeoutMs)
	}
	if cfg.Workers.AI != 4 {
		t.Errorf("expected 4 ai workers, got %d", cfg.Workers.AI)
	}
	if cfg.Limits.MaxStepsPerWorkflow != 10 {
		t.Errorf("expected max 10 steps, got %d", cfg.Limits.MaxStepsPerWorkflow)
	}
	if cfg.AI.BaseURL != "http://llm:1234/v1" {
		t.Errorf("expected file LLM endpoint, got %s", cfg.AI.BaseURL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.Log.Level)
	}

	// Untouched sections keep their defaults.
	if cfg.Workers.Execute != 5 {
		t.Errorf("expected default execute workers, got %d", cfg.Workers.Execute)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("expected default redis url, got %s", cfg.Redis.URL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), testLogger()); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "5001")
	t.Setenv("DATABASE_URL", "postgres://envdb:5432/flows")
	t.Setenv("LM_STUDIO_URL", "http://envllm:1234/v1")
	t.Setenv("MAX_STEPS_PER_WORKFLOW", "7")
	t.Setenv("LOCK_TTL_MS", "90000")

	cfg, err := Load("", testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 5001 {
		t.Errorf("expected env port 5001, got %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://envdb:5432/flows" {
		t.Errorf("expected env database url, got %s", cfg.Database.URL)
	}
	if cfg.AI.BaseURL != "http://envllm:1234/v1" {
		t.Errorf("expected env LLM endpoint, got %s", cfg.AI.BaseURL)
	}
	if cfg.Limits.MaxStepsPerWorkflow != 7 {
		t.Errorf("expected env step limit 7, got %d", cfg.Limits.MaxStepsPerWorkflow)
	}
	if cfg.Engine.LockTTLMs != 90_000 {
		t.Errorf("expected env lock ttl 90000, got %d", cfg.Engine.LockTTLMs)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hookflow.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 4000\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("PORT", "5002")

	cfg, err := Load(configPath, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5002 {
		t.Errorf("environment must override the file, got port %d", cfg.Server.Port)
	}
}

func TestLoadRejectsBadEnvInt(t *testing.T) {
	t.Setenv("PORT", "banana")
	if _, err := Load("", testLogger()); err == nil {
		t.Error("expected error for non-numeric PORT")
	}
}

func TestLoadRejectsInvalidFinalConfig(t *testing.T) {
	t.Setenv("EXECUTE_WORKERS", "0")
	if _, err := Load("", testLogger()); err == nil {
		t.Error("expected validation error for zero workers")
	}
}
