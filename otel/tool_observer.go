// Package otel records tool dispatch and device session signals into
// OpenTelemetry.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalvoice/tool"
)

// ToolObserver records invocations, retries, and discoveries.
type ToolObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	retries     metric.Int64Counter
	discoveries metric.Int64Counter
	latency     metric.Float64Histogram
	discovery   metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to the provided meter/tracer.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	invocations, err := meter.Int64Counter(
		"petalvoice.tool.invocations",
		metric.WithDescription("Number of tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"petalvoice.tool.retries",
		metric.WithDescription("Number of failed tool attempts that were retried"),
	)
	if err != nil {
		return nil, err
	}
	discoveries, err := meter.Int64Counter(
		"petalvoice.tool.discoveries",
		metric.WithDescription("Number of completed or failed tool discoveries"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"petalvoice.tool.latency",
		metric.WithDescription("Tool latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	discovery, err := meter.Float64Histogram(
		"petalvoice.tool.discovery.duration",
		metric.WithDescription("Time from initialize to ready in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ToolObserver{
		tracer:      tracer,
		invocations: invocations,
		retries:     retries,
		discoveries: discoveries,
		latency:     latency,
		discovery:   discovery,
	}, nil
}

func seconds(ms int64) float64 {
	return float64(time.Duration(ms)*time.Millisecond) / float64(time.Second)
}

// ObserveInvoke records one invocation result.
func (o *ToolObserver) ObserveInvoke(observation tool.InvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("source", string(observation.Source)),
		attribute.String("action", string(observation.Action)),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.DurationMS), options)

	if o.tracer == nil {
		return
	}
	end := time.Now()
	start := end.Add(-time.Duration(observation.DurationMS) * time.Millisecond)
	_, span := o.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(attrs...), trace.WithTimestamp(start))
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

// ObserveRetry records one retried attempt.
func (o *ToolObserver) ObserveRetry(observation tool.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("source", string(observation.Source)),
		attribute.String("client", observation.Client),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveDiscovery records one discovery outcome.
func (o *ToolObserver) ObserveDiscovery(observation tool.DiscoveryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", string(observation.Source)),
		attribute.String("client", observation.Client),
		attribute.Bool("success", observation.ErrorCode == ""),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.discoveries.Add(ctx, 1, options)
	o.discovery.Record(ctx, seconds(observation.DurationMS), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "tool.discovery", trace.WithAttributes(append(attrs,
		attribute.Int("tool_count", observation.ToolCount),
		attribute.Int("pages", observation.Pages),
	)...))
	if observation.ErrorCode != "" {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ tool.Observer = (*ToolObserver)(nil)
