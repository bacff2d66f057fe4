// logging.go: pluggable logging interface for the dirrest service
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"log/slog"
	"sync"
)

// Logger defines the pluggable logging interface for the dirrest service.
//
// This interface lets embedders integrate any logging framework (zap, logrus,
// zerolog, slog, custom loggers) without the library taking a dependency.
//
// Design principles:
//   - Zero dependencies: the interface has no external logging dependencies
//   - Contextual logging: With() for adding persistent key-value context
//   - Level-based: standard log levels (Debug, Info, Warn, Error)
//   - Structured args: key-value pairs for structured logging
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error message with optional key-value pairs
	Error(msg string, args ...any)

	// With returns a new logger with persistent context key-value pairs
	With(args ...any) Logger
}

// NoOpLogger provides a silent logger implementation for testing and for
// setups where the --quiet flag suppresses all output.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug implements Logger interface (no-op)
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info implements Logger interface (no-op)
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn implements Logger interface (no-op)
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error implements Logger interface (no-op)
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger interface (no-op)
func (n *NoOpLogger) With(args ...any) Logger {
	return n // Stateless, same instance
}

// DefaultLogger returns the logger used when the embedder provides none.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// TestLogger captures log messages for assertions in tests.
type TestLogger struct {
	mu       sync.RWMutex
	Messages []TestLogMessage
}

// TestLogMessage represents a captured log message.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new capturing test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{
		Messages: make([]TestLogMessage, 0),
	}
}

func (t *TestLogger) record(level, msg string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = append(t.Messages, TestLogMessage{
		Level:   level,
		Message: msg,
		Args:    args,
	})
}

// Debug implements Logger interface (captures message)
func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }

// Info implements Logger interface (captures message)
func (t *TestLogger) Info(msg string, args ...any) { t.record("INFO", msg, args) }

// Warn implements Logger interface (captures message)
func (t *TestLogger) Warn(msg string, args ...any) { t.record("WARN", msg, args) }

// Error implements Logger interface (captures message)
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With implements Logger interface. Context chaining is not needed for
// assertions, so the same capture buffer is shared.
func (t *TestLogger) With(args ...any) Logger {
	return t
}

// HasMessage reports whether a message with the given level and text was
// captured.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, msg := range t.Messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = t.Messages[:0]
}

// SlogAdapter bridges a standard library slog.Logger to the Logger
// interface. Used by the binaries, which log through slog.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter wraps logger; nil selects slog.Default().
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

// Debug implements Logger interface
func (s *SlogAdapter) Debug(msg string, args ...any) { s.logger.Debug(msg, args...) }

// Info implements Logger interface
func (s *SlogAdapter) Info(msg string, args ...any) { s.logger.Info(msg, args...) }

// Warn implements Logger interface
func (s *SlogAdapter) Warn(msg string, args ...any) { s.logger.Warn(msg, args...) }

// Error implements Logger interface
func (s *SlogAdapter) Error(msg string, args ...any) { s.logger.Error(msg, args...) }

// With implements Logger interface
func (s *SlogAdapter) With(args ...any) Logger {
	return &SlogAdapter{logger: s.logger.With(args...)}
}
