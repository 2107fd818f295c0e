// Package otelx wires OpenTelemetry tracing and structured logging into a
// single helper surface, following the shape the rest of the codebase
// expects: StartSpan/RecordError/AddSpanAttributes for tracing, and
// LogWithOTELContext for slog calls that carry the active trace/span id.
package otelx

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for every span this package opens.
const tracerName = "github.com/voxnexus/core"

var tracer = otel.Tracer(tracerName)

// StartSpan opens a span named op, tagging it with the component that owns
// it (e.g. a provider name or controller id). Callers must call span.End().
func StartSpan(ctx context.Context, op, component string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, op)
	if component != "" {
		span.SetAttributes(attribute.String("component", component))
	}
	return ctx, span
}

// AddSpanAttributes records arbitrary key/value attributes on span, using
// fmt-based stringification for unsupported attribute.Value types so this
// never panics on a caller's behalf.
func AddSpanAttributes(span trace.Span, attrs map[string]any) {
	if span == nil || !span.IsRecording() {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, toAttribute(k, v))
	}
	span.SetAttributes(kv...)
}

func toAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, stringify(val))
	}
}

func stringify(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}

// RecordError marks span as failed and attaches err, the convention every
// provider adapter in this module follows.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// LogWithOTELContext logs msg at level with the active span's trace/span id
// injected as attributes, so logs and traces can be correlated in a single
// backend.
func LogWithOTELContext(ctx context.Context, level slog.Level, msg string, args ...any) {
	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		args = append(args, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	slog.Log(ctx, level, msg, args...)
}
