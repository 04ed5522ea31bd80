package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	})
	return tp, exporter
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestStatsMetricsSuccessSpanAndLog(t *testing.T) {
	tp, exporter := setupTestTracer(t)
	logger, hook := test.NewNullLogger()

	metrics, _ := newStatsRequestMetrics(context.Background(), logger)
	metrics.ObserveAuth(2 * time.Millisecond)
	metrics.ObserveFetch(5 * time.Millisecond)
	metrics.ObserveCompute(time.Millisecond)
	metrics.ObserveEncode(time.Millisecond)
	metrics.SetTasksScanned(7)
	metrics.Log(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != statsSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	spanAttrs := attributesToMap(span.Attributes)
	if spanAttrs["http.route"] != statsRoute {
		t.Fatalf("span route attribute mismatch: %#v", spanAttrs["http.route"])
	}
	if code, ok := spanAttrs["http.status_code"].(int64); !ok || code != int64(http.StatusOK) {
		t.Fatalf("unexpected http.status_code on span: %#v", spanAttrs["http.status_code"])
	}
	if scanned, ok := spanAttrs["stats.tasks_scanned"].(int64); !ok || scanned != 7 {
		t.Fatalf("unexpected stats.tasks_scanned: %#v", spanAttrs["stats.tasks_scanned"])
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}

	var sawEvent bool
	for _, ev := range span.Events {
		if ev.Name != "observability.event" {
			continue
		}
		sawEvent = true
		eventAttrs := attributesToMap(ev.Attributes)
		if eventAttrs["severity_text"] != "INFO" {
			t.Fatalf("unexpected span event severity: %#v", eventAttrs["severity_text"])
		}
	}
	if !sawEvent {
		t.Fatalf("expected observability.event span event, got %#v", span.Events)
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a metrics log entry")
	}
	if entry.Message != "stats.request.metrics" {
		t.Fatalf("unexpected log message: %s", entry.Message)
	}
	if entry.Data["status"] != http.StatusOK {
		t.Fatalf("unexpected status field: %#v", entry.Data["status"])
	}
	if entry.Data["tasks_scanned"] != 7 {
		t.Fatalf("unexpected tasks_scanned field: %#v", entry.Data["tasks_scanned"])
	}
	for _, field := range []string{"auth_ms", "fetch_ms", "compute_ms", "encode_ms", "total_ms"} {
		if _, ok := entry.Data[field]; !ok {
			t.Fatalf("expected %s field in log entry, got %#v", field, entry.Data)
		}
	}
	if _, ok := entry.Data["error_stage"]; ok {
		t.Fatalf("unexpected error_stage on success: %#v", entry.Data)
	}
}

func TestStatsMetricsErrorSpan(t *testing.T) {
	tp, exporter := setupTestTracer(t)
	logger, hook := test.NewNullLogger()

	metrics, _ := newStatsRequestMetrics(context.Background(), logger)
	metrics.SetErrorStage("storage")
	metrics.Log(http.StatusInternalServerError, errors.New("boom"))

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Fatalf("expected span status Error, got %v", span.Status.Code)
	}
	if span.Status.Description == "" {
		t.Fatal("expected span status description to carry the error")
	}
	spanAttrs := attributesToMap(span.Attributes)
	if spanAttrs["stats.error_stage"] != "storage" {
		t.Fatalf("unexpected error stage attribute: %#v", spanAttrs["stats.error_stage"])
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a metrics log entry")
	}
	if entry.Data["error_stage"] != "storage" || entry.Data["error"] != "boom" {
		t.Fatalf("unexpected error fields: %#v", entry.Data)
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{name: "success", status: http.StatusOK, wantText: "INFO", wantNumber: 9},
		{name: "client error", status: http.StatusNotFound, wantText: "WARN", wantNumber: 13},
		{name: "server error", status: http.StatusInternalServerError, wantText: "ERROR", wantNumber: 17},
		{name: "error overrides status", status: http.StatusOK, err: errors.New("x"), wantText: "ERROR", wantNumber: 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotText, gotNumber := severityForStatus(tt.status, tt.err)
			if gotText != tt.wantText || gotNumber != tt.wantNumber {
				t.Fatalf("severityForStatus(%d, %v) = %s/%d, want %s/%d",
					tt.status, tt.err, gotText, gotNumber, tt.wantText, tt.wantNumber)
			}
		})
	}
}
