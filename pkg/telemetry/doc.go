// Package telemetry wires OpenTelemetry exporters and meters for the pipeline
// engine, plus the Prometheus registry scraped from the HTTP adapter.
//
// It centralises trace provider setup, applies service resource attributes,
// and offers helpers that attach endpoint, step and decision metadata to spans
// so operators can follow a request through every step it visited.
package telemetry
