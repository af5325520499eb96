package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrUnitID       = "meterlog.unit_id"
	AttrEPC          = "meterlog.epc"
	AttrSemanticName = "meterlog.data_id"
	AttrSink         = "meterlog.sink"
	AttrDropReason   = "meterlog.drop_reason"
)

// Span names.
const (
	SpanRecordProcess = "meterlog.record.process"
	SpanSinkWrite     = "meterlog.sink.write"
)

// StartSpan starts a span. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// UnitAttr returns an attribute for the meter unit ID.
func UnitAttr(id string) attribute.KeyValue {
	return attribute.String(AttrUnitID, id)
}

// EPCAttr returns an attribute for the property code.
func EPCAttr(code string) attribute.KeyValue {
	return attribute.String(AttrEPC, code)
}

// DataIDAttr returns an attribute for the semantic property name.
func DataIDAttr(name string) attribute.KeyValue {
	return attribute.String(AttrSemanticName, name)
}

// SinkAttr returns an attribute for the sink name.
func SinkAttr(name string) attribute.KeyValue {
	return attribute.String(AttrSink, name)
}

// DropReasonAttr returns an attribute for why a record was dropped.
func DropReasonAttr(reason string) attribute.KeyValue {
	return attribute.String(AttrDropReason, reason)
}
