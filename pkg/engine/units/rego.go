package units

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
	"github.com/polisai/polis-pipelines/pkg/telemetry"
)

// RegoUnit evaluates a Rego query with the DataBag as input and turns the
// decision into a unit result:
//
//   - undefined or true: continue with the input
//   - false: fail with domain.ErrAuthorizationDenied
//   - an object: "deny" (reason string) fails, "exit" ends the pipeline with
//     its value, "set" (object) is merged into the bag, and "branch" tags the
//     result for the following conditional map
type RegoUnit struct {
	name     string
	query    string
	prepared rego.PreparedEvalQuery
}

// NewRego compiles the module and prepares the query.
func NewRego(ctx context.Context, spec domain.RegoSpec) (*RegoUnit, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = "rego"
	}
	if strings.TrimSpace(spec.Module) == "" {
		return nil, fmt.Errorf("%w: rego unit %q requires a module", domain.ErrConfigInvalid, name)
	}

	module, err := ast.ParseModuleWithOpts(name+".rego", spec.Module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module %q: %w", name, err)
	}

	query := strings.TrimSpace(spec.Query)
	if query == "" {
		query = module.Package.Path.String() + ".decision"
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego unit %q: %w", name, err)
	}

	return &RegoUnit{name: name, query: query, prepared: prepared}, nil
}

func (u *RegoUnit) Name() string       { return u.name }
func (u *RegoUnit) Kind() runtime.Kind { return runtime.KindTransform }
func (u *RegoUnit) Query() string      { return u.query }

// Call evaluates the decision for data.
func (u *RegoUnit) Call(ctx context.Context, data domain.DataBag) (runtime.Result, error) {
	span := trace.SpanFromContext(ctx)

	results, err := u.prepared.Eval(ctx, rego.EvalInput(map[string]any(data)))
	if err != nil {
		return runtime.Result{}, fmt.Errorf("rego unit %q: %w", u.name, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		telemetry.RecordRegoDecision(span, u.query, "undefined")
		return runtime.Continue(data), nil
	}

	res, err := u.decide(data, results[0].Expressions[0].Value)
	outcome := string(res.Outcome)
	if err != nil {
		outcome = "deny"
		if !errors.Is(err, domain.ErrAuthorizationDenied) {
			outcome = "error"
		}
	}
	telemetry.RecordRegoDecision(span, u.query, outcome)
	return res, err
}

func (u *RegoUnit) decide(data domain.DataBag, value any) (runtime.Result, error) {
	switch decision := value.(type) {
	case bool:
		if decision {
			return runtime.Continue(data), nil
		}
		return runtime.Result{}, u.denied("")

	case map[string]any:
		if reason, ok := decision["deny"]; ok && reason != nil && reason != false {
			text, _ := reason.(string)
			return runtime.Result{}, u.denied(text)
		}
		if payload, ok := decision["exit"]; ok {
			return runtime.Exit(payload), nil
		}

		out := data.Clone()
		if set, ok := decision["set"]; ok {
			values, isMap := set.(map[string]any)
			if !isMap {
				return runtime.Result{}, fmt.Errorf("rego unit %q: set must be an object, got %T", u.name, set)
			}
			out.Merge(values)
		}
		if key, ok := decision["branch"]; ok {
			return runtime.Branch(normalizeKey(key), out), nil
		}
		return runtime.Continue(out), nil

	default:
		return runtime.Result{}, fmt.Errorf("rego unit %q: unexpected decision type %T", u.name, value)
	}
}

func (u *RegoUnit) denied(reason string) error {
	if reason == "" {
		reason = "Access denied"
	}
	return &domain.DomainError{
		Err:     domain.ErrAuthorizationDenied,
		Code:    "ACCESS_DENIED",
		Message: reason,
		Details: map[string]any{"unit": u.name},
	}
}
