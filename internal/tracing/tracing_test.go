package tracing

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitialize_Disabled(t *testing.T) {
	tracer, shutdown, err := Initialize(Config{ServiceName: "meterlog"}, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracer == nil {
		t.Fatal("expected non-nil tracer")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}

	_, span := tracer.Start(context.Background(), "noop")
	if span.IsRecording() {
		t.Error("no-op tracer should not record")
	}
	span.End()
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx := context.Background()
	got, span := StartSpan(ctx, nil, SpanRecordProcess)
	if got != ctx {
		t.Error("expected the same context back")
	}
	if span == nil {
		t.Fatal("expected a span")
	}
	SetSpanOK(span)
	SetSpanError(span, errors.New("ignored"))
}

func TestSpans_RecordStatusAndAttributes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	tracer := tp.Tracer("test")

	_, ok := StartSpan(context.Background(), tracer, SpanSinkWrite)
	ok.SetAttributes(SinkAttr("csv"), EPCAttr("E7"))
	SetSpanOK(ok)
	ok.End()

	_, failed := StartSpan(context.Background(), tracer, SpanSinkWrite)
	SetSpanError(failed, errors.New("disk full"))
	failed.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", spans[0].Status.Code)
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs[AttrSink] != "csv" || attrs[AttrEPC] != "E7" {
		t.Errorf("unexpected attributes: %v", attrs)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "disk full" {
		t.Errorf("unexpected error status: %+v", spans[1].Status)
	}
}
