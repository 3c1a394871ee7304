package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxbridge tracer.
const tracerName = "github.com/MrWong99/voxbridge"

// Span attribute keys shared by every voxbridge span.
const (
	AttrUserID      = attribute.Key("user.id")
	AttrUtteranceID = attribute.Key("utterance.id")
)

type utteranceKey struct{}

type utterance struct {
	userID string
	id     string
}

// WithUtterance returns a context that tags spans started by [StartSpan] and
// loggers returned by [Logger] with the participant and utterance. Either ID
// may be empty.
func WithUtterance(ctx context.Context, userID, utteranceID string) context.Context {
	return context.WithValue(ctx, utteranceKey{}, utterance{userID: userID, id: utteranceID})
}

func utteranceFrom(ctx context.Context) (utterance, bool) {
	u, ok := ctx.Value(utteranceKey{}).(utterance)
	return u, ok
}

// Tracer returns the voxbridge tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx carries an utterance from
// [WithUtterance], its IDs are added as attributes. The caller must end the
// span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if u, ok := utteranceFrom(ctx); ok {
		var attrs []attribute.KeyValue
		if u.userID != "" {
			attrs = append(attrs, AttrUserID.String(u.userID))
		}
		if u.id != "" {
			attrs = append(attrs, AttrUtteranceID.String(u.id))
		}
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the active span in ctx, or "" when
// there is none. It is echoed as the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with user_id and utterance_id from
// [WithUtterance] and trace_id and span_id from the active span, for
// whichever of them ctx carries.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if u, ok := utteranceFrom(ctx); ok {
		if u.userID != "" {
			l = l.With(slog.String("user_id", u.userID))
		}
		if u.id != "" {
			l = l.With(slog.String("utterance_id", u.id))
		}
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
