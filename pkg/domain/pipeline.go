package domain

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// EndpointSpec declares one API endpoint: a route pattern and one pipeline
// per HTTP method.
type EndpointSpec struct {
	Name        string
	Path        string // chi route pattern, e.g. /orders/{id}
	Description string
	Methods     map[string]StepSpec // upper-case HTTP method → root step
	RateLimit   *RateLimitSpec
	Timeout     time.Duration
}

// MethodNames returns the declared methods in a stable order.
func (e EndpointSpec) MethodNames() []string {
	names := make([]string, 0, len(e.Methods))
	for method := range e.Methods {
		names = append(names, method)
	}
	sort.Strings(names)
	return names
}

// Pipeline returns the root step declared for method.
func (e EndpointSpec) Pipeline(method string) (StepSpec, bool) {
	spec, ok := e.Methods[strings.ToUpper(method)]
	return spec, ok
}

// RateLimitSpec configures the token bucket guarding an endpoint.
type RateLimitSpec struct {
	RequestsPerSecond float64
	Burst             int
}

// StepKind identifies which variant a StepSpec declares.
type StepKind string

const (
	StepKindUnit     StepKind = "unit"
	StepKindSequence StepKind = "sequence"
	StepKindParallel StepKind = "parallel"
	StepKindBranches StepKind = "branches"
	StepKindValidate StepKind = "validate"
	StepKindRego     StepKind = "rego"
	StepKindScript   StepKind = "script"
)

// StepSpec is the declarative form of a pipeline step. Exactly one of the
// variant fields must be set. Cache may decorate any leaf
// variant except validation.
type StepSpec struct {
	Unit     string
	Sequence []StepSpec
	Parallel *ParallelSpec
	Branches map[any]StepSpec
	Validate *ValidationSpec
	Rego     *RegoSpec
	Script   *ScriptSpec
	Cache    *CacheSpec
}

// Kind reports the declared variant. It fails when zero or several variants
// are set.
func (s StepSpec) Kind() (StepKind, error) {
	var kinds []StepKind
	if s.Unit != "" {
		kinds = append(kinds, StepKindUnit)
	}
	if s.Sequence != nil {
		kinds = append(kinds, StepKindSequence)
	}
	if s.Parallel != nil {
		kinds = append(kinds, StepKindParallel)
	}
	if s.Branches != nil {
		kinds = append(kinds, StepKindBranches)
	}
	if s.Validate != nil {
		kinds = append(kinds, StepKindValidate)
	}
	if s.Rego != nil {
		kinds = append(kinds, StepKindRego)
	}
	if s.Script != nil {
		kinds = append(kinds, StepKindScript)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("%w: step declares no variant", ErrConfigInvalid)
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("%w: step declares several variants %v", ErrConfigInvalid, kinds)
	}
}

// IsLeaf reports whether the step wraps a single unit.
func (k StepKind) IsLeaf() bool {
	switch k {
	case StepKindUnit, StepKindValidate, StepKindRego, StepKindScript:
		return true
	default:
		return false
	}
}

// ParallelSpec declares a group of leaf units run concurrently.
type ParallelSpec struct {
	Members       []StepSpec
	PreserveInput bool
}

// ValidationSpec declares an inline validation unit.
type ValidationSpec struct {
	Name   string
	Fields []FieldSpec
}

// FieldSpec declares one validated field.
type FieldSpec struct {
	Name      string
	Type      string // string, integer, number, boolean, object, array, date, datetime, any
	Required  bool
	Nullable  bool
	Default   any
	Source    string // body (default), header, cookie
	MinLength *int
	MaxLength *int
	Min       *float64
	Max       *float64
	Choices   []any
	Help      string
}

// RegoSpec declares a unit that evaluates a Rego decision over the DataBag.
type RegoSpec struct {
	Name   string
	Module string // inline Rego source
	Query  string // e.g. data.orders.decision
}

// ScriptSpec declares a JavaScript transform unit.
type ScriptSpec struct {
	Name     string
	Source   string
	Function string // entry point, defaults to "transform"
	Timeout  time.Duration
}

// CacheSpec memoizes a leaf unit's results.
type CacheSpec struct {
	TTL      time.Duration
	Capacity int
}

// SupportedMethods lists the HTTP methods an endpoint may declare.
var SupportedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// IsSupportedMethod reports whether method may carry a pipeline.
func IsSupportedMethod(method string) bool {
	method = strings.ToUpper(method)
	for _, m := range SupportedMethods {
		if m == method {
			return true
		}
	}
	return false
}
