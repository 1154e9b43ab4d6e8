// Package logging sets up the process-wide structured logger. It follows
// the teacher's slog-with-dynamic-level convention but drops the TUI/
// multi-writer plumbing, since operators consume the HTTP/WS management
// plane rather than an interactive terminal.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

var levelVar = new(slog.LevelVar)

// ParseLevel maps the CLI/env log-level strings to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Init installs the default slog logger writing to w at the given level and
// returns it. Call SetLevel later to adjust verbosity without restarting.
func Init(w io.Writer, level slog.Level) *slog.Logger {
	levelVar.Set(level)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// SetLevel adjusts the running logger's minimum level.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// GetLevel returns the running logger's minimum level.
func GetLevel() slog.Level {
	return levelVar.Level()
}
