package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewTracerDisabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "atomrun", "test", "development")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, span := tr.Start(context.Background(), "noop")
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestNewTracerRejectsUnknownExporter(t *testing.T) {
	cfg := TracingConfig{Enabled: true, Exporter: "carrier-pigeon", SamplingRate: 1}
	if _, err := NewTracer(cfg, "atomrun", "test", "development"); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestTracerDomainSpans(t *testing.T) {
	cfg := TracingConfig{
		Enabled:            true,
		Exporter:           "none",
		SamplingRate:       1,
		MaxExportBatchSize: 16,
		ExportTimeout:      time.Second,
	}
	tr, err := NewTracer(cfg, "atomrun", "test", "development")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = tr.Shutdown(context.Background()) }()

	ctx, sysSpan := tr.StartSystemSpan(context.Background(), "run-1", "sys1")
	if TraceID(ctx) == "" {
		t.Error("expected a trace id inside a system span")
	}

	waveCtx, waveSpan := tr.StartWaveSpan(ctx, "sys1", 0)
	if TraceID(waveCtx) != TraceID(ctx) {
		t.Error("wave span must stay in the system trace")
	}

	_, atomSpan := tr.StartAtomSpan(waveCtx, "a1", 0)
	AddEvent(atomSpan, "attempt classified",
		AttrErrorCategory.String("runtime"),
		AttrStrategy.String("fix"))
	RecordError(atomSpan, errors.New("boom"))
	atomSpan.End()

	RecordSuccess(waveSpan)
	waveSpan.End()
	RecordSuccess(sysSpan)
	sysSpan.End()

	if err := tr.ForceFlush(context.Background()); err != nil {
		t.Errorf("unexpected flush error: %v", err)
	}
}

func TestTraceIDEmptyWithoutSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("expected empty trace id, got %q", got)
	}
}

func TestRecordErrorIgnoresNil(t *testing.T) {
	tr := NopTracer()
	_, span := tr.Start(context.Background(), "noop")
	RecordError(span, nil)
	span.End()
}
