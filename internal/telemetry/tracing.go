package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wallethub/wallethub/internal/envelope"
)

// maxAttributeBytes caps string attribute values; longer values are truncated.
const maxAttributeBytes = 1024

// Tracer is the thin facade the core calls at its instrumented hot points.
// The concrete exporter and sampler live behind the global otel provider.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a facade bound to the named instrumentation scope.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// Span wraps an in-flight otel span.
type Span struct {
	span trace.Span
}

// StartSpan opens a span of the given kind as a child of the context's span,
// or as a root span when the context carries none.
func (t *Tracer) StartSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(truncateAttributes(attrs)...),
	)
	return ctx, &Span{span: span}
}

// SetAttribute attaches a single attribute, truncating oversized strings.
func (s *Span) SetAttribute(kv attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(truncateAttribute(kv))
}

// RecordError records err on the span without changing its status.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

// End closes the span with status OK, or ERROR when err is non-nil.
func (s *Span) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// TraceparentFromContext renders the context's span context as a W3C
// traceparent string, or "" when the context carries no valid span.
func TraceparentFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	tp := envelope.Traceparent{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Flags:   byte(sc.TraceFlags()),
	}
	return tp.String()
}

// ContextFromTraceparent installs a remote span context parsed from the
// traceparent and tracestate strings. The input context is returned unchanged
// when the traceparent is empty or malformed, so the caller starts a root trace.
func ContextFromTraceparent(ctx context.Context, traceparent, tracestate string) context.Context {
	parsed, err := envelope.ParseTraceparent(traceparent)
	if err != nil {
		return ctx
	}
	traceID, err := trace.TraceIDFromHex(parsed.TraceID)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(parsed.SpanID)
	if err != nil {
		return ctx
	}
	cfg := trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(parsed.Flags),
		Remote:     true,
	}
	if tracestate != "" {
		if ts, err := trace.ParseTraceState(tracestate); err == nil {
			cfg.TraceState = ts
		}
	}
	sc := trace.NewSpanContext(cfg)
	if !sc.IsValid() {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

func truncateAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, kv := range attrs {
		out[i] = truncateAttribute(kv)
	}
	return out
}

func truncateAttribute(kv attribute.KeyValue) attribute.KeyValue {
	if kv.Value.Type() != attribute.STRING {
		return kv
	}
	v := kv.Value.AsString()
	if len(v) <= maxAttributeBytes {
		return kv
	}
	return kv.Key.String(v[:maxAttributeBytes])
}
