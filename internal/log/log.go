// Package log provides the global logger for shiplog.
//
// Diagnostic output always goes to stderr so it never interleaves with
// the container output being relayed on stdout.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelCritical sits above slog.LevelError. Messages at this level are
// always emitted regardless of the configured threshold.
const LevelCritical = slog.Level(12)

var logger *slog.Logger

// Options configures the logger.
type Options struct {
	// Level is the minimum level to emit: debug, info, warning, error
	// or critical. Empty means info.
	Level string
	// Stderr is the writer for output (defaults to os.Stderr).
	Stderr io.Writer
}

// ParseLevel maps a --log-level flag value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("invalid log level %q (expected debug, info, warning, error or critical)", s)
}

// Init initializes the global logger with the given options.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	handler := slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Render the custom level with its own name instead of ERROR+4.
			if a.Key == slog.LevelKey {
				if lv, ok := a.Value.Any().(slog.Level); ok && lv >= LevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	})

	logger = slog.New(handler)
	slog.SetDefault(logger)
	return nil
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

// Critical logs a critical message.
func Critical(msg string, args ...any) {
	logger.Log(context.Background(), LevelCritical, msg, args...)
}

// With returns a logger with additional context.
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

// SetOutput sets the output writer at debug level (for testing).
func SetOutput(w io.Writer) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

func init() {
	// Default logger until Init is called
	logger = slog.Default()
}
