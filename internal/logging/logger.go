// Package logging generalizes the teacher's slog-based Logger: a thin
// wrapper with a component prefix, optional silence, and an optional
// handler hook tests can use to assert on emitted records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type Hook func(level slog.Level, msg string, attrs ...slog.Attr)

type Config struct {
	Level  slog.Level
	Hook   Hook
	Silent bool
	Output io.Writer
}

func DefaultConfig() Config {
	return Config{Level: slog.LevelInfo}
}

type Logger struct {
	slog   *slog.Logger
	hook   Hook
	silent bool
}

func New(component string, cfg ...Config) *Logger {
	c := DefaultConfig()
	if len(cfg) > 0 {
		c = cfg[0]
	}

	output := c.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: c.Level}
	var h slog.Handler
	if c.Silent && c.Hook == nil {
		h = slog.NewJSONHandler(io.Discard, opts)
	} else {
		h = slog.NewJSONHandler(output, opts)
	}

	return &Logger{
		slog:   slog.New(h).With("component", component),
		hook:   c.Hook,
		silent: c.Silent,
	}
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), hook: l.hook, silent: l.silent}
}

func (l *Logger) Debug(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.emit(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.emit(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.emit(slog.LevelError, msg, args...) }

func (l *Logger) emit(level slog.Level, msg string, args ...any) {
	if l.hook != nil {
		l.hook(level, msg)
	}
	if l.silent {
		return
	}
	switch level {
	case slog.LevelDebug:
		l.slog.Debug(msg, args...)
	case slog.LevelWarn:
		l.slog.Warn(msg, args...)
	case slog.LevelError:
		l.slog.Error(msg, args...)
	default:
		l.slog.Info(msg, args...)
	}
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slog.InfoContext(ctx, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slog.ErrorContext(ctx, msg, args...)
}

// Default is the package-level logger used where no component-specific
// logger has been threaded through yet.
var Default = New("scheduler")
