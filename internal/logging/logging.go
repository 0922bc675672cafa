// Package logging builds the process logger. Records are JSON; when a log
// file is configured they go to a size-rotated file instead of stdout.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-captions/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger pairs the slog logger with the writer it targets so the caller can
// close the rotated file on shutdown.
type Logger struct {
	*slog.Logger
	out io.Writer
}

// New creates a logger from telemetry settings. console reports whether the
// terminal is free for log output; the caption TUI owns it otherwise, and
// records without a log file are discarded.
func New(cfg config.TelemetryConfig, console bool) *Logger {
	var out io.Writer
	switch {
	case cfg.LogFile != "":
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		}
	case console:
		out = os.Stdout
	default:
		out = io.Discard
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)})
	return &Logger{Logger: slog.New(handler), out: out}
}

// Writer is the destination records are written to. Trace output shares it.
func (l *Logger) Writer() io.Writer {
	return l.out
}

// Close flushes and closes a rotated log file.
func (l *Logger) Close() error {
	if c, ok := l.out.(io.Closer); ok && l.out != os.Stdout {
		return c.Close()
	}
	return nil
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
