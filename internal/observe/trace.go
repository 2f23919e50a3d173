package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/livevoice"

type sessionKey struct{}

// WithSession tags ctx with the conversation it belongs to. Spans started
// and loggers derived from ctx carry the key.
func WithSession(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, key)
}

// SessionKey returns the key set by [WithSession], or "".
func SessionKey(ctx context.Context) string {
	key, _ := ctx.Value(sessionKey{}).(string)
	return key
}

// Span is a started span. End must be called exactly once.
type Span struct {
	trace.Span
}

// StartSpan starts a span on the global provider, tagged with the session
// key of ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return start(ctx, name, trace.SpanKindInternal, attrs)
}

func start(ctx context.Context, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, Span) {
	if key := SessionKey(ctx); key != "" {
		attrs = append(attrs, attribute.String("session.key", key))
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
	return ctx, Span{span}
}

// Fail records err on the span and marks it failed. It returns err so call
// sites can write `return nil, span.Fail(err)`.
func (s Span) Fail(err error) error {
	if err != nil {
		s.RecordError(err)
		s.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the session key and the ids of the
// span in ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if key := SessionKey(ctx); key != "" {
		l = l.With(slog.String("session_key", key))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
