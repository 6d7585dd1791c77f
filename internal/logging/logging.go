package logging

import (
	"context"
	"log/slog"
	"os"
	"sort"
)

// Level controls which messages a Logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Field is a structured key/value attachment for a log message.
type Field struct {
	attrs []slog.Attr
}

// WithField creates a single-entry field.
func WithField(key string, value interface{}) Field {
	return Field{attrs: []slog.Attr{slog.Any(key, value)}}
}

// WithFields creates a field carrying every entry of the map.
// Keys are sorted so output is deterministic.
func WithFields(fields map[string]interface{}) Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return Field{attrs: attrs}
}

// Logger is a leveled structured logger backed by slog.
type Logger struct {
	s *slog.Logger
}

// New creates a logger writing text output to stderr at the given level.
func New(level Level) *Logger {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	return &Logger{s: slog.New(handler)}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...Field) {
	l.s.LogAttrs(context.Background(), slog.LevelDebug, msg, flatten(fields)...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...Field) {
	l.s.LogAttrs(context.Background(), slog.LevelInfo, msg, flatten(fields)...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...Field) {
	l.s.LogAttrs(context.Background(), slog.LevelWarn, msg, flatten(fields)...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...Field) {
	l.s.LogAttrs(context.Background(), slog.LevelError, msg, flatten(fields)...)
}

func flatten(fields []Field) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, f.attrs...)
	}
	return attrs
}
