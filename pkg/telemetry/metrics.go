package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	stepExecutionCounter metric.Int64Counter
	stepFailureCounter   metric.Int64Counter
	earlyExitCounter     metric.Int64Counter
	stepLatencyHistogram metric.Float64Histogram
)

// StepMetrics captures the fields needed to record pipeline step telemetry metrics.
type StepMetrics struct {
	Endpoint string
	Method   string
	StepKind string
	Unit     string
	Outcome  string
	Duration time.Duration
	Failed   bool
}

// RecordStepMetrics emits counters and histograms that describe step execution behaviour.
func RecordStepMetrics(ctx context.Context, metrics StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.endpoint", metrics.Endpoint),
		attribute.String("http.method", metrics.Method),
		attribute.String("step.kind", metrics.StepKind),
		attribute.String("step.unit", metrics.Unit),
		attribute.String("step.outcome", metrics.Outcome),
	}

	stepExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		stepLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Failed {
		stepFailureCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordEarlyExit counts a pipeline that stopped on an early exit.
func RecordEarlyExit(ctx context.Context, endpoint, method, unit string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	earlyExitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.endpoint", endpoint),
		attribute.String("http.method", method),
		attribute.String("step.unit", unit),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("pipelines.engine")

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.executions_total",
			metric.WithDescription("Pipeline step executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepFailureCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.failures_total",
			metric.WithDescription("Pipeline steps that returned an error"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		earlyExitCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.early_exits_total",
			metric.WithDescription("Pipelines short-circuited by an early exit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"pipeline.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
