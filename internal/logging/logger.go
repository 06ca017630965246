// Package logging provides structured logging for crew processes.
// It wraps Go's log/slog package to produce JSON-formatted logs with
// persistent attributes (team, agent, task) so that interleaved lead and
// worker output can be separated post hoc.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels supported by the logger.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger provides structured logging with attribute propagation.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	file   *os.File
	mu     sync.Mutex // protects file operations
	attrs  []slog.Attr
}

// New creates a Logger that writes JSON-formatted logs to debug.log inside
// dataDir. If dataDir is empty, logs are written to stderr.
//
// The level parameter controls which messages are logged:
//   - DEBUG: all messages
//   - INFO: Info, Warn, and Error
//   - WARN: Warn and Error
//   - ERROR: only Error
func New(dataDir string, level string) (*Logger, error) {
	var writer io.Writer
	var file *os.File

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: create data directory: %w", err)
		}

		logPath := filepath.Join(dataDir, "debug.log")
		var err error
		file, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		writer = file
	} else {
		writer = os.Stderr
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: parseLevel(level),
	})

	return &Logger{
		logger: slog.New(handler),
		file:   file,
		attrs:  make([]slog.Attr, 0),
	}, nil
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTeam returns a child Logger with the team name added to all entries.
func (l *Logger) WithTeam(team string) *Logger {
	return l.withAttr(slog.String("team", team))
}

// WithAgent returns a child Logger with the agent name added to all entries.
func (l *Logger) WithAgent(agent string) *Logger {
	return l.withAttr(slog.String("agent", agent))
}

// WithTask returns a child Logger with the task ID added to all entries.
func (l *Logger) WithTask(taskID string) *Logger {
	return l.withAttr(slog.String("task_id", taskID))
}

// With returns a child Logger with arbitrary key-value attributes.
// Keys and values are provided as alternating arguments.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	newAttrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	newAttrs = append(newAttrs, l.attrs...)

	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		newAttrs = append(newAttrs, slog.Any(key, args[i+1]))
	}

	return &Logger{
		logger: l.logger,
		file:   l.file,
		attrs:  newAttrs,
	}
}

// withAttr creates a child Logger with one additional attribute.
func (l *Logger) withAttr(attr slog.Attr) *Logger {
	newAttrs := make([]slog.Attr, len(l.attrs)+1)
	copy(newAttrs, l.attrs)
	newAttrs[len(l.attrs)] = attr

	return &Logger{
		logger: l.logger,
		file:   l.file,
		attrs:  newAttrs,
	}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

// log combines persistent attributes with per-call arguments.
func (l *Logger) log(level slog.Level, msg string, args ...any) {
	allArgs := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		allArgs = append(allArgs, attr.Key, attr.Value.Any())
	}
	allArgs = append(allArgs, args...)

	l.logger.Log(context.Background(), level, msg, allArgs...)
}

// Close flushes and closes the log file. A stderr-backed logger is a no-op.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("logging: sync log file: %w", err)
		}
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("logging: close log file: %w", err)
		}
		l.file = nil
	}
	return nil
}

// Nop returns a Logger that discards all output. Useful for tests and for
// components where logging is optional.
func Nop() *Logger {
	return &Logger{
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		attrs:  make([]slog.Attr, 0),
	}
}

// ParseLevel normalizes a level string, returning LevelInfo for anything
// unrecognized.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return strings.ToUpper(level)
	default:
		return LevelInfo
	}
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
