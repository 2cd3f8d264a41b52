package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, parseLogLevel(tt.input), "level %q", tt.input)
	}
}

func TestNewAppRequiresConfig(t *testing.T) {
	_, err := NewApp(nil, slog.Default())
	require.Error(t, err)
}

func TestNewAppWithDefaults(t *testing.T) {
	app, err := NewApp(config.DefaultConfig(), slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, app)
}

func TestRootCmdHasVersionSubcommand(t *testing.T) {
	cmd := rootCmd()
	require.NotNil(t, cmd)

	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "version")

	flag := cmd.Flags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}
