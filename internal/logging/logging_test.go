package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := ParseLevel("loud")
	assert.False(t, ok)
}

func TestNewRespectsLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown", "port", 8080)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "8080")
}

func TestNewDebugOverridesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "error", Debug: true, Output: &buf})
	logger.Debug("trace me")
	assert.Contains(t, buf.String(), "trace me")
}

func TestNewEnvironmentAndUnknownLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	var buf bytes.Buffer
	New(Options{Output: &buf, Default: slog.LevelWarn}).Debug("from env")
	assert.Contains(t, buf.String(), "from env")

	buf.Reset()
	logger := New(Options{Level: "loud", Output: &buf, Default: slog.LevelWarn})
	assert.Contains(t, buf.String(), "unknown log level")
	logger.Info("still quiet")
	assert.NotContains(t, buf.String(), "still quiet")
}
