// Package obslog wraps log/slog with a correlated logger that tags every
// record with a service name and component, and threads span/trace IDs
// out of context when tracing is active.
package obslog

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the correlated wrapper the rest of the core constructs its
// component loggers from.
type Logger struct {
	base *slog.Logger
}

// New returns a Logger that tags every record with service=vinbridge and
// component=component.
func New(base *slog.Logger, component string) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{base: base.With("service", "vinbridge", "component", component)}
}

// Slog exposes the underlying *slog.Logger for packages that only want a
// plain logger (e.g. constructors that take *slog.Logger directly).
func (l *Logger) Slog() *slog.Logger { return l.base }

func (l *Logger) Info(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, withTraceAttrs(ctx, attrs)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, withTraceAttrs(ctx, attrs)...)
}

func (l *Logger) Error(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, withTraceAttrs(ctx, attrs)...)
}

func (l *Logger) Debug(ctx context.Context, msg string, attrs ...any) {
	l.base.DebugContext(ctx, msg, withTraceAttrs(ctx, attrs)...)
}

// withTraceAttrs appends trace_id/span_id attrs when ctx carries an active
// OpenTelemetry span.
func withTraceAttrs(ctx context.Context, attrs []any) []any {
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return attrs
	}
	return append(attrs, slog.String("trace_id", span.TraceID().String()), slog.String("span_id", span.SpanID().String()))
}
