// Package logging builds the slog loggers used by pit and pit-stub.
//
// Records are rendered by charmbracelet/log, which implements slog.Handler, so the rest of the
// code base only ever talks to *slog.Logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const EnvLogLevel = "PIT_LOG_LEVEL"

// Options configures New.
type Options struct {
	// Level is one of debug|info|warn|error. Empty falls back to $PIT_LOG_LEVEL, then Default.
	Level string
	// Debug forces debug level regardless of Level.
	Debug bool
	// Default is used when neither Level nor the environment name a level.
	Default slog.Level
	// Output defaults to os.Stderr.
	Output io.Writer
	Prefix string
	// Timestamps adds a time column; the client keeps it off, the stub turns it on.
	Timestamps bool
}

// New returns a logger writing human-readable records to opts.Output.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level, warn := resolveLevel(opts)
	handler := log.NewWithOptions(out, log.Options{
		Level:           log.Level(level),
		Prefix:          opts.Prefix,
		ReportTimestamp: opts.Timestamps,
		TimeFormat:      time.Kitchen,
	})
	logger := slog.New(handler)
	if warn != "" {
		logger.Warn(warn)
	}
	return logger
}

// Discard returns a logger that drops every record. Used as the zero value in package configs.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func resolveLevel(opts Options) (slog.Level, string) {
	if opts.Debug {
		return slog.LevelDebug, ""
	}
	raw := strings.TrimSpace(opts.Level)
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv(EnvLogLevel))
	}
	if raw == "" {
		return opts.Default, ""
	}
	level, ok := ParseLevel(raw)
	if !ok {
		// Keep it user-friendly: warn and continue with the default.
		return opts.Default, fmt.Sprintf("unknown log level %q (expected debug|info|warn|error); using %s", raw, opts.Default)
	}
	return level, ""
}

// ParseLevel maps the names accepted on the command line to slog levels.
func ParseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
