package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordBranchDecision annotates the span with the key a unit tagged its
// output with and whether a branch matched it.
func RecordBranchDecision(span trace.Span, key any, matched bool) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent("pipeline.branch", trace.WithAttributes(
		attribute.String("branch.key", fmt.Sprint(key)),
		attribute.Bool("branch.matched", matched),
	))
}

// RecordEarlyExitEvent marks the span of the unit that stopped the pipeline.
func RecordEarlyExitEvent(span trace.Span, unit string) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent("pipeline.early_exit", trace.WithAttributes(
		attribute.String("step.unit", unit),
	))
}

// RecordRegoDecision attaches the coarse result of a Rego evaluation.
func RecordRegoDecision(span trace.Span, query, outcome string) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("rego.query", query),
		attribute.String("rego.outcome", outcome),
	)
}
