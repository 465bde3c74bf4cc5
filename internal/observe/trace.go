package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/hoa"

// TurnKey is the span attribute carrying the turn id.
const TurnKey = attribute.Key("hoa.turn")

type turnCtxKey struct{}

// WithTurn returns ctx tagged with a turn id. [Logger] and [StartSpan] pick
// it up.
func WithTurn(ctx context.Context, turn uint64) context.Context {
	return context.WithValue(ctx, turnCtxKey{}, turn)
}

// TurnFromContext returns the turn id set by [WithTurn].
func TurnFromContext(ctx context.Context) (uint64, bool) {
	turn, ok := ctx.Value(turnCtxKey{}).(uint64)
	return turn, ok
}

// StartSpan starts a span on the global tracer provider. When ctx carries a
// turn id the span is tagged with [TurnKey]. The caller ends the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if turn, ok := TurnFromContext(ctx); ok {
		opts = append(opts, trace.WithAttributes(TurnKey.Int64(int64(turn))))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID is the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the turn id and the trace and span
// ids found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if turn, ok := TurnFromContext(ctx); ok {
		attrs = append(attrs, slog.Uint64("turn", turn))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
