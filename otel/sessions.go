package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SessionTelemetry records device session lifetimes as a root span plus
// active-session and duration metrics.
type SessionTelemetry struct {
	tracer trace.Tracer

	active   metric.Int64UpDownCounter
	sessions metric.Int64Counter
	duration metric.Float64Histogram
}

// NewSessionTelemetry creates instruments for device sessions.
func NewSessionTelemetry(meter metric.Meter, tracer trace.Tracer) (*SessionTelemetry, error) {
	active, err := meter.Int64UpDownCounter("petalvoice.session.active",
		metric.WithDescription("Number of open device sessions"),
	)
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64Counter("petalvoice.session.count",
		metric.WithDescription("Number of device sessions opened"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("petalvoice.session.duration",
		metric.WithDescription("Device session duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &SessionTelemetry{
		tracer:   tracer,
		active:   active,
		sessions: sessions,
		duration: duration,
	}, nil
}

// Start opens a session span and returns a context carrying it. The returned
// func ends the session; a non-nil error marks the span failed.
func (t *SessionTelemetry) Start(ctx context.Context, sessionID, deviceID string) (context.Context, func(error)) {
	if t == nil {
		return ctx, func(error) {}
	}
	started := time.Now()
	attrs := []attribute.KeyValue{attribute.String("device_id", deviceID)}
	options := metric.WithAttributes(attrs...)
	t.active.Add(ctx, 1, options)
	t.sessions.Add(ctx, 1, options)

	var span trace.Span
	if t.tracer != nil {
		ctx, span = t.tracer.Start(ctx, "voice.session", trace.WithAttributes(
			append(attrs, attribute.String("session_id", sessionID))...,
		))
	}

	return ctx, func(err error) {
		t.active.Add(context.Background(), -1, options)
		t.duration.Record(context.Background(), time.Since(started).Seconds(), options)
		if span == nil {
			return
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// AddEvent annotates the session span carried by ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
