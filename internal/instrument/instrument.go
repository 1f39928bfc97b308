// Package instrument wraps engine operations in trace spans. The default
// instrumenter reports to the global OpenTelemetry tracer provider, which is
// a no-op until the host application installs one.
package instrument

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "cms-engine"

// Instrumenter starts spans and records business events.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

// Span is a single timed unit of work.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

type ctxKey struct{}

// WithInstrumenter stores inst on the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, ctxKey{}, inst)
}

// GetInstrumenter returns the instrumenter stored on ctx, or one backed by
// the global tracer provider.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if inst, ok := ctx.Value(ctxKey{}).(Instrumenter); ok && inst != nil {
		return inst
	}
	return defaultInstrumenter
}

var defaultInstrumenter Instrumenter = NewOtel(nil)

// OtelInstrumenter emits spans through an OpenTelemetry tracer.
type OtelInstrumenter struct {
	tracer trace.Tracer
}

// NewOtel returns an instrumenter using tp, or the global provider when tp
// is nil.
func NewOtel(tp trace.TracerProvider) *OtelInstrumenter {
	if tp == nil {
		return &OtelInstrumenter{}
	}
	return &OtelInstrumenter{tracer: tp.Tracer(tracerName)}
}

// Disabled returns an instrumenter whose spans record nothing, whatever
// provider is installed globally.
func Disabled() *OtelInstrumenter {
	return NewOtel(noop.NewTracerProvider())
}

func (o *OtelInstrumenter) getTracer() trace.Tracer {
	if o.tracer != nil {
		return o.tracer
	}
	// resolved lazily so a provider installed after startup is honoured
	return otel.Tracer(tracerName)
}

func (o *OtelInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	ctx, span := o.getTracer().Start(ctx, action, trace.WithAttributes(
		attribute.String("cms.source", source),
		attribute.String("cms.component", component),
	))
	return ctx, &otelSpan{span: span}
}

func (o *OtelInstrumenter) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	span := trace.SpanFromContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("cms.entity", entity),
		attribute.String("cms.record_id", recordID),
	}
	for k, v := range metadata {
		attrs = append(attrs, toAttribute("cms.meta."+k, v))
	}
	span.AddEvent(action, trace.WithAttributes(attrs...))
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

// SetStatus accepts "ok" or "error"; anything else is recorded as an attribute.
func (s *otelSpan) SetStatus(status string) {
	switch status {
	case "ok":
		s.span.SetStatus(codes.Ok, "")
	case "error":
		s.span.SetStatus(codes.Error, "")
	default:
		s.span.SetAttributes(attribute.String("cms.status", status))
	}
}

func (s *otelSpan) SetMetadata(key string, value any) {
	s.span.SetAttributes(toAttribute("cms."+key, value))
}

func (s *otelSpan) SetEntity(entity, recordID string) {
	s.span.SetAttributes(attribute.String("cms.entity", entity))
	if recordID != "" {
		s.span.SetAttributes(attribute.String("cms.record_id", recordID))
	}
}

func (s *otelSpan) TraceID() string {
	sc := s.span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func (s *otelSpan) SpanID() string {
	sc := s.span.SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
