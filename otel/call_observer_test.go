package otel_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petal-labs/nlweb-mcp/dispatch"
	nlwebotel "github.com/petal-labs/nlweb-mcp/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestCallObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	observer, err := nlwebotel.NewCallObserver(mp.Meter("test-call-observer"), noop.NewTracerProvider().Tracer("test"))
	if err != nil {
		t.Fatalf("NewCallObserver() error = %v", err)
	}

	observer.ObserveCall(dispatch.CallObservation{Tool: dispatch.ToolAddPage, CallID: "c1", DurationMS: 12, Success: true})
	observer.ObserveCall(dispatch.CallObservation{Tool: dispatch.ToolAddPage, CallID: "c2", DurationMS: 3, ErrorCode: dispatch.ErrorCodeDuplicateKey})
	observer.ObserveRetry(dispatch.RetryObservation{Tool: dispatch.ToolAskPage, Attempt: 1, ErrorCode: dispatch.ErrorCodeUpstreamFailure})

	rm := collectMetrics(t, reader)

	calls := findMetric(rm, "nlweb.tool.calls")
	if calls == nil {
		t.Fatal("nlweb.tool.calls metric not found")
	}
	sum, ok := calls.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("nlweb.tool.calls type = %T, want Sum[int64]", calls.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("nlweb.tool.calls total = %d, want 2", total)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("nlweb.tool.calls data points = %d, want 2 (success and failure)", len(sum.DataPoints))
	}

	latency := findMetric(rm, "nlweb.tool.latency")
	if latency == nil {
		t.Fatal("nlweb.tool.latency metric not found")
	}
	if _, ok := latency.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("nlweb.tool.latency type = %T, want Histogram[float64]", latency.Data)
	}

	retries := findMetric(rm, "nlweb.tool.retries")
	if retries == nil {
		t.Fatal("nlweb.tool.retries metric not found")
	}
	if _, ok := retries.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("nlweb.tool.retries type = %T, want Sum[int64]", retries.Data)
	}
}

func TestCallObserverRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	_, mp := newTestMeter()

	observer, err := nlwebotel.NewCallObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewCallObserver() error = %v", err)
	}

	observer.ObserveCall(dispatch.CallObservation{Tool: dispatch.ToolGetPage, CallID: "abc", DurationMS: 5, ErrorCode: dispatch.ErrorCodeNotFound})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "tool.call" {
		t.Fatalf("span name = %q, want tool.call", span.Name)
	}
	if span.Status.Code != codes.Error || span.Status.Description != dispatch.ErrorCodeNotFound {
		t.Fatalf("span status = %+v, want error %s", span.Status, dispatch.ErrorCodeNotFound)
	}
	found := false
	for _, kv := range span.Attributes {
		if kv.Key == attribute.Key("call_id") && kv.Value.AsString() == "abc" {
			found = true
		}
	}
	if !found {
		t.Fatalf("span attributes = %v, want call_id", span.Attributes)
	}
	if got := span.EndTime.Sub(span.StartTime).Milliseconds(); got != 5 {
		t.Fatalf("span duration = %dms, want 5ms", got)
	}
}

func TestCallObserverPluggedIntoDispatch(t *testing.T) {
	reader, mp := newTestMeter()
	observer, err := nlwebotel.NewCallObserver(mp.Meter("test"), nil)
	if err != nil {
		t.Fatalf("NewCallObserver() error = %v", err)
	}
	dispatch.SetObserver(observer)
	t.Cleanup(func() { dispatch.SetObserver(nil) })

	dispatch.EmitRetry(dispatch.RetryObservation{Tool: dispatch.ToolAskPage, Attempt: 2})

	if findMetric(collectMetrics(t, reader), "nlweb.tool.retries") == nil {
		t.Fatal("nlweb.tool.retries metric not found after EmitRetry")
	}
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := nlwebotel.Setup(context.Background(), nlwebotel.SetupConfig{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	shutdown, err := nlwebotel.Setup(context.Background(), nlwebotel.SetupConfig{Endpoint: "127.0.0.1:4318", ServiceName: "nlweb-test"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}
