package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrUnsupportedStep  = errors.New("unsupported pipeline step")
	ErrBranchNotFound   = errors.New("conditional branch not found")
	ErrInvalidPipeline  = errors.New("invalid pipeline shape")
	ErrValidation       = errors.New("validation failed")
	ErrUnitPanic        = errors.New("unit panicked")
	ErrUnitArguments    = errors.New("unit arguments do not match")
	ErrUnitNotFound     = errors.New("unit not found")

	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrScriptTimeout       = errors.New("script execution timed out")
)

// ConfigurationError reports that an endpoint has no pipeline for the
// requested method, or that the endpoint itself is unknown. It is raised
// before any unit runs.
type ConfigurationError struct {
	Endpoint string
	Method   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("endpoint %q: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("endpoint %q has no pipeline for method %s: %v", e.Endpoint, e.Method, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is lets callers match the whole configuration family with ErrConfigInvalid.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// UnsupportedStepError is returned when a step value is none of the known
// step kinds.
type UnsupportedStepError struct {
	Kind string
}

func (e *UnsupportedStepError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnsupportedStep, e.Kind)
}

func (e *UnsupportedStepError) Unwrap() error {
	return ErrUnsupportedStep
}

// BranchNotFoundError is returned when a tagged result's key has no entry in
// the following conditional map.
type BranchNotFoundError struct {
	Key       any
	Available []string
}

func (e *BranchNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("%s: key %v", ErrBranchNotFound, e.Key)
	}
	return fmt.Sprintf("%s: key %v (available: %s)", ErrBranchNotFound, e.Key, strings.Join(e.Available, ", "))
}

func (e *BranchNotFoundError) Unwrap() error {
	return ErrBranchNotFound
}

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries per-field details from a validation unit.
type ValidationError struct {
	Unit   string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// UnitPanicError records a panic recovered while a unit was running.
type UnitPanicError struct {
	Unit  string
	Value any
}

func (e *UnitPanicError) Error() string {
	return fmt.Sprintf("unit %q panicked: %v", e.Unit, e.Value)
}

func (e *UnitPanicError) Unwrap() error {
	return ErrUnitPanic
}

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the standard JSON error model returned by the pipeline endpoints.
// It intentionally avoids exposing internal details while providing a stable machine-readable code.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string       `json:"code"`               // Machine-readable error code (e.g., VALIDATION_FAILED)
	Message string       `json:"message"`            // Human-readable message (safe for logs)
	TraceID string       `json:"trace_id,omitempty"` // Optional trace/correlation ID
	Fields  []FieldError `json:"fields,omitempty"`   // Per-field validation details
}
