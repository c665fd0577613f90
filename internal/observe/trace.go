package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of voxrelay spans.
const tracerName = "github.com/MrWong99/voxrelay"

// Span names and events recorded on a relay session.
const (
	SpanSession = "relay.session"

	EventProviderReady  = "provider.ready"
	EventCaptureStarted = "capture.started"
	EventCaptureExited  = "capture.exited"
)

// StartSessionSpan starts the span that covers one relay session, from
// client accept to teardown. It uses the global TracerProvider.
func StartSessionSpan(ctx context.Context, sessionID, provider string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, SpanSession,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("provider.name", provider),
		),
	)
}

// EndSessionSpan records why the session closed and ends span. A non-nil err
// marks the span as failed.
func EndSessionSpan(span trace.Span, reason string, err error) {
	span.SetAttributes(attribute.String("close.reason", reason))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SessionEvent adds a named event to the session span in ctx. It is a no-op
// without a recording span.
func SessionEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SessionLogger derives a session logger from base (slog.Default when nil),
// carrying session_id and, when ctx holds a valid span, trace_id and span_id
// so session lines can be joined with the HTTP request log.
func SessionLogger(ctx context.Context, base *slog.Logger, sessionID string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	l := base.With(slog.String("session_id", sessionID))
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
