package otel_test

import (
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	petalotel "github.com/petal-labs/petalvoice/otel"
	"github.com/petal-labs/petalvoice/tool"
)

func TestToolObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	exporter, tp := newTestTracer()

	observer, err := petalotel.NewToolObserver(mp.Meter("test-tool-observer"), tp.Tracer("test-tool-observer"))
	if err != nil {
		t.Fatalf("NewToolObserver() error = %v", err)
	}

	observer.ObserveInvoke(tool.InvokeObservation{
		ToolName:   "clock_now",
		Source:     tool.SourceServerMCP,
		Action:     tool.ActionError,
		DurationMS: 120,
		Success:    false,
		ErrorCode:  tool.CodeTransport,
	})
	observer.ObserveInvoke(tool.InvokeObservation{
		ToolName:   "get_time",
		Source:     tool.SourcePlugin,
		Action:     tool.ActionReqLLM,
		DurationMS: 2,
		Success:    true,
	})
	observer.ObserveRetry(tool.RetryObservation{
		ToolName:  "clock_now",
		Source:    tool.SourceServerMCP,
		Client:    "clock",
		Attempt:   1,
		ErrorCode: tool.CodeTransport,
	})
	observer.ObserveDiscovery(tool.DiscoveryObservation{
		Source:     tool.SourceDeviceMCP,
		Client:     "device:s1",
		ToolCount:  4,
		Pages:      2,
		DurationMS: 45,
	})

	rm := collectMetrics(t, reader)

	invocations := findMetric(rm, "petalvoice.tool.invocations")
	if invocations == nil {
		t.Fatal("petalvoice.tool.invocations metric not found")
	}
	if got := sumValue(t, invocations); got != 2 {
		t.Fatalf("invocations = %d, want 2", got)
	}

	retries := findMetric(rm, "petalvoice.tool.retries")
	if retries == nil {
		t.Fatal("petalvoice.tool.retries metric not found")
	}
	if got := sumValue(t, retries); got != 1 {
		t.Fatalf("retries = %d, want 1", got)
	}

	discoveries := findMetric(rm, "petalvoice.tool.discoveries")
	if discoveries == nil {
		t.Fatal("petalvoice.tool.discoveries metric not found")
	}

	latency := findMetric(rm, "petalvoice.tool.latency")
	if latency == nil {
		t.Fatal("petalvoice.tool.latency metric not found")
	}
	if _, ok := latency.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("petalvoice.tool.latency type = %T, want Histogram[float64]", latency.Data)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	if spans[0].Name != "tool.invoke" || spans[0].Status.Code != codes.Error {
		t.Fatalf("first span = %s %v", spans[0].Name, spans[0].Status)
	}
	if spans[2].Name != "tool.discovery" || spans[2].Status.Code != codes.Ok {
		t.Fatalf("discovery span = %s %v", spans[2].Name, spans[2].Status)
	}
}

func TestNilToolObserverIsSafe(t *testing.T) {
	var observer *petalotel.ToolObserver
	observer.ObserveInvoke(tool.InvokeObservation{})
	observer.ObserveRetry(tool.RetryObservation{})
	observer.ObserveDiscovery(tool.DiscoveryObservation{})
}
