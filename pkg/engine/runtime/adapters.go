package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/schema"
)

// TransformFunc maps one DataBag to the next.
type TransformFunc func(ctx context.Context, data domain.DataBag) (domain.DataBag, error)

// ResultFunc maps a DataBag to a full result, allowing branches and exits.
type ResultFunc func(ctx context.Context, data domain.DataBag) (Result, error)

type funcUnit struct {
	name string
	fn   ResultFunc
}

func (u *funcUnit) Name() string { return u.name }
func (u *funcUnit) Kind() Kind   { return KindTransform }

func (u *funcUnit) Call(ctx context.Context, data domain.DataBag) (Result, error) {
	return u.fn(ctx, data)
}

// Func wraps a plain DataBag transform.
func Func(name string, fn TransformFunc) Unit {
	return &funcUnit{name: name, fn: func(ctx context.Context, data domain.DataBag) (Result, error) {
		out, err := fn(ctx, data)
		if err != nil {
			return Result{}, err
		}
		return Continue(out), nil
	}}
}

// FuncResult wraps a transform that may branch or exit.
func FuncResult(name string, fn ResultFunc) Unit {
	return &funcUnit{name: name, fn: fn}
}

// AsyncResult is what an asynchronous unit eventually delivers.
type AsyncResult struct {
	Result Result
	Err    error
}

// AsyncFunc starts work and returns a channel that yields exactly one result.
type AsyncFunc func(ctx context.Context, data domain.DataBag) <-chan AsyncResult

// Async wraps asynchronous work. Call blocks until the work completes or ctx
// is done, so the executor observes it as an ordinary unit.
func Async(name string, fn AsyncFunc) Unit {
	return &funcUnit{name: name, fn: func(ctx context.Context, data domain.DataBag) (Result, error) {
		done := fn(ctx, data)
		if done == nil {
			return Result{}, fmt.Errorf("async unit %q returned no completion channel", name)
		}
		select {
		case res, ok := <-done:
			if !ok {
				return Result{}, fmt.Errorf("async unit %q closed without a result", name)
			}
			return res.Result, res.Err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}}
}

type validationUnit struct {
	name      string
	validator Validator
}

func (u *validationUnit) Name() string { return u.name }
func (u *validationUnit) Kind() Kind   { return KindValidation }

func (u *validationUnit) Call(ctx context.Context, data domain.DataBag) (Result, error) {
	out, err := u.validator.Validate(ctx, data)
	if err != nil {
		return Result{}, err
	}
	return Continue(out), nil
}

func (u *validationUnit) InputSchema() *schema.Schema {
	if s, ok := u.validator.(*schema.Schema); ok {
		return s
	}
	if d, ok := u.validator.(Describer); ok {
		return d.InputSchema()
	}
	return nil
}

func (u *validationUnit) OutputSchema() *schema.Schema {
	if s, ok := u.validator.(*schema.Schema); ok {
		return s
	}
	if d, ok := u.validator.(Describer); ok {
		return d.OutputSchema()
	}
	return nil
}

// Validate wraps a validator as a validation unit.
func Validate(name string, v Validator) Unit {
	return &validationUnit{name: name, validator: v}
}

// BindOption tunes how Bind decodes arguments.
type BindOption func(*bindConfig)

type bindConfig struct {
	ignoreUnknown bool
}

// IgnoreUnknown lets a bound unit receive a DataBag with keys its input type
// does not declare; by default such keys are rejected.
func IgnoreUnknown() BindOption {
	return func(c *bindConfig) { c.ignoreUnknown = true }
}

type boundUnit[In, Out any] struct {
	name   string
	fn     func(ctx context.Context, in In) (Out, error)
	cfg    bindConfig
	input  *schema.Schema
	output *schema.Schema
}

// Bind adapts a typed function into a transform unit. DataBag entries are
// passed as named arguments: each key is decoded into the In field carrying
// the same json name. Missing required fields and, unless IgnoreUnknown is
// given, undeclared keys fail with domain.ErrUnitArguments. Out must be a
// struct, a map with string keys, or a DataBag.
func Bind[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error), opts ...BindOption) (Unit, error) {
	input, err := schema.For[In]()
	if err != nil {
		return nil, fmt.Errorf("bind %q input: %w", name, err)
	}
	outType := reflect.TypeOf((*Out)(nil)).Elem()
	var output *schema.Schema
	switch base := derefType(outType); base.Kind() {
	case reflect.Struct:
		if output, err = schema.FromType(base); err != nil {
			return nil, fmt.Errorf("bind %q output: %w", name, err)
		}
	case reflect.Map:
		if base.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("bind %q output: map keys must be strings", name)
		}
	default:
		return nil, fmt.Errorf("bind %q output: %s cannot become a DataBag", name, outType)
	}

	u := &boundUnit[In, Out]{name: name, fn: fn, input: input, output: output}
	for _, opt := range opts {
		opt(&u.cfg)
	}
	return u, nil
}

// MustBind is Bind for package-level registration; it panics on a bad signature.
func MustBind[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error), opts ...BindOption) Unit {
	u, err := Bind(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return u
}

func (u *boundUnit[In, Out]) Name() string                 { return u.name }
func (u *boundUnit[In, Out]) Kind() Kind                   { return KindTransform }
func (u *boundUnit[In, Out]) InputSchema() *schema.Schema  { return u.input }
func (u *boundUnit[In, Out]) OutputSchema() *schema.Schema { return u.output }

func (u *boundUnit[In, Out]) Call(ctx context.Context, data domain.DataBag) (Result, error) {
	var missing []string
	for _, f := range u.input.Fields {
		if _, ok := data[f.Name]; !ok && f.Required {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return Result{}, fmt.Errorf("%w: %s missing %s", domain.ErrUnitArguments, u.name, strings.Join(missing, ", "))
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Result{}, fmt.Errorf("%s: encode arguments: %w", u.name, err)
	}
	var in In
	dec := json.NewDecoder(bytes.NewReader(raw))
	if !u.cfg.ignoreUnknown {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&in); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", domain.ErrUnitArguments, u.name, err)
	}

	out, err := u.fn(ctx, in)
	if err != nil {
		return Result{}, err
	}
	bag, err := toDataBag(out)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", u.name, err)
	}
	return Continue(bag), nil
}

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// toDataBag converts a struct or string-keyed map into a DataBag, keeping the
// Go values of top-level fields.
func toDataBag(v any) (domain.DataBag, error) {
	switch typed := v.(type) {
	case nil:
		return domain.DataBag{}, nil
	case domain.DataBag:
		return typed, nil
	case map[string]any:
		return domain.DataBag(typed), nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return domain.DataBag{}, nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		bag := make(domain.DataBag, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			bag[iter.Key().String()] = iter.Value().Interface()
		}
		return bag, nil
	case reflect.Struct:
		bag := make(domain.DataBag, rv.NumField())
		structToBag(rv, bag)
		return bag, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to a DataBag", v)
	}
}

func structToBag(rv reflect.Value, bag domain.DataBag) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		parts := strings.Split(tag, ",")
		name := parts[0]
		fv := rv.Field(i)
		if sf.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				structToBag(inner, bag)
				continue
			}
		}
		if name == "" {
			name = sf.Name
		}
		omitempty := false
		for _, opt := range parts[1:] {
			if opt == "omitempty" || opt == "omitzero" {
				omitempty = true
			}
		}
		if omitempty && fv.IsZero() {
			continue
		}
		bag[name] = fv.Interface()
	}
}
