package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
	"github.com/polisai/polis-pipelines/pkg/schema"
)

func newTestRegistry(t *testing.T, catalog *UnitCatalog) *EndpointRegistry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEndpointRegistry(NewBuilder(catalog, logger), logger)
}

func TestBuilderBuildsEveryVariant(t *testing.T) {
	catalog := NewDefaultCatalog(nil)
	catalog.MustRegister("classify", "v1", tagger("classify", "vip"))
	catalog.MustRegister("greet", "v1", set("greet", "greeting", "hi"))
	b := NewBuilder(catalog, nil)

	spec := domain.StepSpec{Sequence: []domain.StepSpec{
		{Validate: &domain.ValidationSpec{Fields: []domain.FieldSpec{{Name: "name", Required: true}}}},
		{Parallel: &domain.ParallelSpec{
			Members:       []domain.StepSpec{{Unit: "greet"}, {Script: &domain.ScriptSpec{Source: `function transform(d) { return { shout: d.name.toUpperCase() }; }`}}},
			PreserveInput: true,
		}},
		{Unit: "classify@v1"},
		{Branches: map[any]domain.StepSpec{
			"vip":   {Unit: "respond"},
			"other": {Unit: "passthrough", Cache: &domain.CacheSpec{Capacity: 4}},
		}},
	}}

	step, err := b.Build(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := newTestExecutor().Execute(context.Background(), step, domain.DataBag{"name": "ada", "junk": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Exited {
		t.Fatalf("expected respond to exit")
	}
	want := map[string]any{"name": "ada", "greeting": "hi", "shout": "ADA"}
	payload, ok := res.Payload.(map[string]any)
	if !ok || len(payload) != len(want) {
		t.Fatalf("unexpected payload %#v", res.Payload)
	}
	for k, v := range want {
		if payload[k] != v {
			t.Fatalf("payload[%q] = %v, want %v", k, payload[k], v)
		}
	}
}

func TestBuilderRejectsBadSpecs(t *testing.T) {
	b := NewBuilder(nil, nil)
	cases := map[string]struct {
		spec domain.StepSpec
		want error
	}{
		"no variant":       {domain.StepSpec{}, domain.ErrConfigInvalid},
		"two variants":     {domain.StepSpec{Unit: "passthrough", Sequence: []domain.StepSpec{{Unit: "passthrough"}}}, domain.ErrConfigInvalid},
		"unknown unit":     {domain.StepSpec{Unit: "nope"}, domain.ErrUnitNotFound},
		"empty sequence":   {domain.StepSpec{Sequence: []domain.StepSpec{}}, domain.ErrConfigInvalid},
		"nested parallel":  {domain.StepSpec{Parallel: &domain.ParallelSpec{Members: []domain.StepSpec{{Sequence: []domain.StepSpec{{Unit: "passthrough"}}}}}}, domain.ErrConfigInvalid},
		"top level branch": {domain.StepSpec{Branches: map[any]domain.StepSpec{1: {Unit: "passthrough"}}}, domain.ErrInvalidPipeline},
		"bad field type":   {domain.StepSpec{Validate: &domain.ValidationSpec{Fields: []domain.FieldSpec{{Name: "x", Type: "blob"}}}}, domain.ErrConfigInvalid},
		"empty script":     {domain.StepSpec{Script: &domain.ScriptSpec{}}, domain.ErrConfigInvalid},
		"empty rego":       {domain.StepSpec{Rego: &domain.RegoSpec{}}, domain.ErrConfigInvalid},
		"cached validate": {domain.StepSpec{
			Validate: &domain.ValidationSpec{Fields: []domain.FieldSpec{{Name: "x_api_key", Source: "header"}}},
			Cache:    &domain.CacheSpec{TTL: time.Minute},
		}, domain.ErrConfigInvalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := b.Build(context.Background(), tc.spec); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestBuilderRejectsCachedValidation(t *testing.T) {
	catalog := NewDefaultCatalog(nil)
	catalog.MustRegister("tenant", "v1", runtime.Validate("tenant", &schema.Schema{Fields: []schema.Field{
		{Name: "x_api_key", Type: schema.TypeString, Required: true, Source: schema.SourceHeader},
	}}))
	b := NewBuilder(catalog, nil)

	_, err := b.Build(context.Background(), domain.StepSpec{Unit: "tenant", Cache: &domain.CacheSpec{TTL: time.Minute}})
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid for a cached validation unit, got %v", err)
	}

	step, err := b.Build(context.Background(), domain.StepSpec{Unit: "tenant"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec := newTestExecutor()
	for _, key := range []string{"alice-secret", "bob-secret"} {
		ctx := domain.WithRequestMeta(context.Background(), domain.RequestMeta{
			Headers: http.Header{"X-Api-Key": {key}},
		})
		res, err := exec.Execute(ctx, step, domain.DataBag{"sku": "abc"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Data["x_api_key"] != key {
			t.Fatalf("expected header %q, got %v", key, res.Data["x_api_key"])
		}
	}
}

func TestScriptBranchOnListKeyFailsCleanly(t *testing.T) {
	step, err := NewBuilder(nil, nil).Build(context.Background(), domain.StepSpec{Sequence: []domain.StepSpec{
		{Script: &domain.ScriptSpec{Source: `function run(d) { return branch(["vip"], d); }`, Function: "run"}},
		{Branches: map[any]domain.StepSpec{"vip": {Unit: "passthrough"}}},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = newTestExecutor().Execute(context.Background(), step, domain.DataBag{"sku": "abc"})
	if !errors.Is(err, domain.ErrBranchNotFound) {
		t.Fatalf("expected ErrBranchNotFound for a list branch key, got %v", err)
	}
}

func TestRegistryLookupFailsBeforeExecution(t *testing.T) {
	var calls atomic.Int32
	catalog := NewDefaultCatalog(nil)
	catalog.MustRegister("count", "v1", counter("count", &calls))
	r := newTestRegistry(t, catalog)

	err := r.UpdateEndpoints(context.Background(), []domain.EndpointSpec{{
		Name:    "orders",
		Path:    "/orders",
		Methods: map[string]domain.StepSpec{"get": {Unit: "count"}},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	endpoint, step, err := r.Lookup("orders", "POST")
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !errors.Is(err, domain.ErrPipelineNotFound) || !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("expected pipeline-not-found in the config family, got %v", err)
	}
	if step != nil || endpoint.Spec.Name != "orders" {
		t.Fatalf("expected endpoint without step, got %+v %v", endpoint, step)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no unit to run")
	}

	if _, _, err := r.Lookup("missing", "GET"); !errors.Is(err, domain.ErrEndpointNotFound) {
		t.Fatalf("expected ErrEndpointNotFound, got %v", err)
	}

	_, step, err = r.Lookup("orders", "get")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := newTestExecutor().Execute(context.Background(), step, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected the GET pipeline to run once, ran %d", calls.Load())
	}
}

func TestRegistryBadUpdateKeepsPreviousEndpoints(t *testing.T) {
	r := newTestRegistry(t, nil)
	good := []domain.EndpointSpec{{Name: "a", Path: "/a", Methods: map[string]domain.StepSpec{"GET": {Unit: "passthrough"}}}}
	if err := r.UpdateEndpoints(context.Background(), good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	generation := r.Generation()

	bad := map[string][]domain.EndpointSpec{
		"unknown unit":   {{Name: "a", Path: "/a", Methods: map[string]domain.StepSpec{"GET": {Unit: "nope"}}}},
		"duplicate name": {good[0], good[0]},
		"duplicate path": {good[0], {Name: "b", Path: "/a", Methods: good[0].Methods}},
		"bad method":     {{Name: "a", Path: "/a", Methods: map[string]domain.StepSpec{"TRACE": {Unit: "passthrough"}}}},
		"no methods":     {{Name: "a", Path: "/a"}},
		"relative path":  {{Name: "a", Path: "a", Methods: good[0].Methods}},
	}
	for name, specs := range bad {
		t.Run(name, func(t *testing.T) {
			if err := r.UpdateEndpoints(context.Background(), specs); err == nil {
				t.Fatalf("expected error")
			}
			if r.Generation() != generation {
				t.Fatalf("generation changed on failed update")
			}
			if _, _, err := r.Lookup("a", "GET"); err != nil {
				t.Fatalf("previous endpoint lost: %v", err)
			}
		})
	}
}

func TestRegistryRegisterProgrammaticEndpoint(t *testing.T) {
	r := newTestRegistry(t, nil)
	err := r.Register(domain.EndpointSpec{Name: "calc", Path: "/calc"}, map[string]Step{
		"post": Seq(Leaf(doubler("double"))),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	endpoint, _, err := r.Lookup("calc", "POST")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if methods := endpoint.Methods(); len(methods) != 1 || methods[0] != "POST" {
		t.Fatalf("unexpected methods %v", methods)
	}

	err = r.Register(domain.EndpointSpec{Name: "bad", Path: "/bad"}, map[string]Step{
		"GET": Branches(map[any]Step{1: Leaf(runtime.Func("x", nil))}),
	})
	if !errors.Is(err, domain.ErrInvalidPipeline) {
		t.Fatalf("expected ErrInvalidPipeline, got %v", err)
	}
	if err := r.Register(domain.EndpointSpec{Name: "other", Path: "/calc"}, nil); !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("expected path clash, got %v", err)
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("expected 1 endpoint, got %d", got)
	}
}
