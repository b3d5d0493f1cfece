package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
	"github.com/polisai/polis-pipelines/pkg/telemetry"
)

func TestExecuteEmitsTelemetry(t *testing.T) {
	recorder, tracerCleanup := setupTestTracer(t)
	defer tracerCleanup()
	reader, meterCleanup := setupTestMeter(t)
	defer meterCleanup()
	telemetry.ResetMetricsForTest()

	slow := runtime.Func("slow", func(_ context.Context, data domain.DataBag) (domain.DataBag, error) {
		time.Sleep(2 * time.Millisecond)
		return data, nil
	})
	step := Seq(
		Leaf(slow),
		Parallel(Leaf(set("p", "p", 1))),
		Leaf(tagger("route", "stop")),
		Branches(map[any]Step{"stop": Leaf(exiter("done", "bye"))}),
	)

	ctx := domain.WithRequestMeta(context.Background(), domain.RequestMeta{Endpoint: "orders", Method: "POST"})
	res, err := newTestExecutor().Execute(ctx, step, domain.DataBag{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Exited {
		t.Fatalf("expected early exit")
	}

	spans := recorder.Ended()
	var root sdktrace.ReadOnlySpan
	stepSpans := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range spans {
		switch span.Name() {
		case "pipeline.execute":
			root = span
		case "pipeline.step":
			name := attrValue(span.Attributes(), "step.unit")
			if name == "" {
				name = attrValue(span.Attributes(), "step.kind")
			}
			stepSpans[name] = span
		}
	}
	if root == nil {
		t.Fatalf("expected pipeline.execute span")
	}
	if got := attrValue(root.Attributes(), "pipeline.endpoint"); got != "orders" {
		t.Fatalf("expected endpoint attribute, got %q", got)
	}
	if got := attrValue(root.Attributes(), "pipeline.exited"); got != "true" {
		t.Fatalf("expected pipeline.exited=true, got %q", got)
	}
	for _, name := range []string{"slow", "parallel", "p", "route", "done"} {
		if _, ok := stepSpans[name]; !ok {
			t.Fatalf("expected step span for %q, have %v", name, keys(stepSpans))
		}
	}
	if got := attrValue(stepSpans["route"].Attributes(), "step.outcome"); got != "branch" {
		t.Fatalf("expected branch outcome on route span, got %q", got)
	}
	if !hasEvent(stepSpans["done"], "pipeline.early_exit") {
		t.Fatalf("expected early exit event on exiting unit span")
	}
	if !hasEvent(root, "pipeline.branch") {
		t.Fatalf("expected branch decision event on pipeline span")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	executions := sumCounter(t, rm, "pipeline.step.executions_total")
	if executions != 4 {
		t.Fatalf("expected 4 unit executions, got %d", executions)
	}
	if exits := sumCounter(t, rm, "pipeline.early_exits_total"); exits != 1 {
		t.Fatalf("expected 1 early exit, got %d", exits)
	}
	if !hasMetric(rm, "pipeline.step.duration_ms") {
		t.Fatalf("expected duration histogram")
	}
}

func TestExecuteRecordsFailures(t *testing.T) {
	recorder, tracerCleanup := setupTestTracer(t)
	defer tracerCleanup()
	reader, meterCleanup := setupTestMeter(t)
	defer meterCleanup()
	telemetry.ResetMetricsForTest()

	boom := errors.New("boom")
	if _, err := newTestExecutor().Execute(context.Background(), Leaf(failing("bad", boom)), nil); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	if failures := sumCounter(t, rm, "pipeline.step.failures_total"); failures != 1 {
		t.Fatalf("expected 1 failure, got %d", failures)
	}
	for _, span := range recorder.Ended() {
		if span.Status().Description != "boom" {
			t.Fatalf("span %s: expected error status, got %+v", span.Name(), span.Status())
		}
	}
}

func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, func()) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTracer := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return recorder, func() {
		otel.SetTracerProvider(prevTracer)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("tracer provider shutdown: %v", err)
		}
	}
}

func setupTestMeter(t *testing.T) (*sdkmetric.ManualReader, func()) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prevMeter := otel.GetMeterProvider()
	otel.SetMeterProvider(meterProvider)
	return reader, func() {
		otel.SetMeterProvider(prevMeter)
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Logf("meter provider shutdown: %v", err)
		}
	}
}

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func hasEvent(span sdktrace.ReadOnlySpan, name string) bool {
	for _, ev := range span.Events() {
		if ev.Name == name {
			return true
		}
	}
	return false
}

func keys(m map[string]sdktrace.ReadOnlySpan) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func hasMetric(rm metricdata.ResourceMetrics, name string) bool {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s: unexpected data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
