// Package logging provides the structured logger used across the
// service: a thin log/slog wrapper that enriches records with request
// and connection IDs pulled out of context.Context.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/syncwatch/room-backend/internal/contextkey"
)

// Logger is a structured logger enriched from context on every call.
type Logger struct {
	slog *slog.Logger
}

// Options configures log destination and format.
type Options struct {
	Level           string
	JSON            bool
	ToFiles         bool
	ErrorLogPath    string
	CombinedLogPath string
}

// New builds a Logger per Options. With ToFiles set, all records are
// teed to CombinedLogPath and error-level records additionally to
// ErrorLogPath.
func New(opts Options) (*Logger, error) {
	level := new(slog.Level)
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		*level = slog.LevelInfo
	}

	newHandler := func(out io.Writer, minLevel slog.Leveler) slog.Handler {
		handlerOpts := &slog.HandlerOptions{AddSource: true, Level: minLevel}
		if opts.JSON {
			return slog.NewJSONHandler(out, handlerOpts)
		}
		return slog.NewTextHandler(out, handlerOpts)
	}

	var handler slog.Handler
	if opts.ToFiles {
		combined, err := openAppend(opts.CombinedLogPath)
		if err != nil {
			return nil, fmt.Errorf("open combined log: %w", err)
		}
		errFile, err := openAppend(opts.ErrorLogPath)
		if err != nil {
			return nil, fmt.Errorf("open error log: %w", err)
		}
		handler = fanoutHandler{
			newHandler(io.MultiWriter(os.Stdout, combined), level),
			newHandler(errFile, slog.LevelError),
		}
	} else {
		handler = newHandler(os.Stdout, level)
	}

	return &Logger{slog: slog.New(handler)}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// fanoutHandler forwards each record to every handler whose own level
// admits it, so the error log file receives only error-level records
// while the combined stream receives everything.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// WithContext returns a slog.Logger enriched with request/connection IDs
// found in ctx.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	handler := l.slog.Handler()

	if reqID, ok := ctx.Value(contextkey.ContextKeyRequestID).(uuid.UUID); ok {
		handler = handler.WithAttrs([]slog.Attr{slog.String("request_id", reqID.String())})
	}
	if connID, ok := ctx.Value(contextkey.ContextKeyConnectionID).(uuid.UUID); ok {
		handler = handler.WithAttrs([]slog.Attr{slog.String("connection_id", connID.String())})
	}
	if roomID, ok := ctx.Value(contextkey.ContextKeyRoomID).(string); ok {
		handler = handler.WithAttrs([]slog.Attr{slog.String("room_id", roomID)})
	}

	return slog.New(handler)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Info(fmt.Sprintf(msg, args...))
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Warn(fmt.Sprintf(msg, args...))
}

func (l *Logger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Debug(fmt.Sprintf(msg, args...))
}

// Fatal logs at error level and exits; reserved for unrecoverable startup failures.
func (l *Logger) Fatal(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
	os.Exit(1)
}
