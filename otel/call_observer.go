// Package otel records dispatch observations as OpenTelemetry metrics and
// spans, and installs an OTLP trace exporter for the process.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/nlweb-mcp/dispatch"
)

// CallObserver records tool call signals into OpenTelemetry.
type CallObserver struct {
	tracer trace.Tracer

	calls   metric.Int64Counter
	retries metric.Int64Counter
	latency metric.Float64Histogram
}

// NewCallObserver creates an observer bound to the provided meter/tracer.
func NewCallObserver(meter metric.Meter, tracer trace.Tracer) (*CallObserver, error) {
	calls, err := meter.Int64Counter(
		"nlweb.tool.calls",
		metric.WithDescription("Number of tool calls"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"nlweb.tool.retries",
		metric.WithDescription("Number of retried upstream attempts"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"nlweb.tool.latency",
		metric.WithDescription("Tool call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &CallObserver{
		tracer:  tracer,
		calls:   calls,
		retries: retries,
		latency: latency,
	}, nil
}

// ObserveCall records one tool call result.
func (o *CallObserver) ObserveCall(observation dispatch.CallObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.Tool),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.calls.Add(ctx, 1, options)
	o.latency.Record(ctx, float64(time.Duration(observation.DurationMS)*time.Millisecond)/float64(time.Second), options)

	if o.tracer == nil {
		return
	}
	end := time.Now()
	start := end.Add(-time.Duration(observation.DurationMS) * time.Millisecond)
	_, span := o.tracer.Start(ctx, "tool.call",
		trace.WithTimestamp(start),
		trace.WithAttributes(append(attrs, attribute.String("call_id", observation.CallID))...),
	)
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

// ObserveRetry records one retried upstream attempt.
func (o *CallObserver) ObserveRetry(observation dispatch.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.Tool),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

var _ dispatch.Observer = (*CallObserver)(nil)
