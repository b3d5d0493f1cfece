package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-pipelines/pkg/domain"
)

// Endpoint is a built endpoint: its declaration plus one executable plan per
// HTTP method.
type Endpoint struct {
	Spec      domain.EndpointSpec
	Pipelines map[string]Step
}

// Methods returns the methods with a pipeline, sorted.
func (e Endpoint) Methods() []string {
	methods := make([]string, 0, len(e.Pipelines))
	for method := range e.Pipelines {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

// EndpointRegistry holds the active endpoints. Updates build every pipeline
// first and swap the whole set at once, so a bad reload leaves the previous
// endpoints serving.
type EndpointRegistry struct {
	mu         sync.RWMutex
	endpoints  map[string]Endpoint
	generation int64
	builder    *Builder
	logger     *slog.Logger
}

// NewEndpointRegistry creates an empty registry that builds declarations
// with builder.
func NewEndpointRegistry(builder *Builder, logger *slog.Logger) *EndpointRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		builder = NewBuilder(nil, logger)
	}
	return &EndpointRegistry{
		endpoints: make(map[string]Endpoint),
		builder:   builder,
		logger:    logger,
	}
}

// UpdateEndpoints replaces the declared endpoints. Endpoints added with
// Register are dropped unless specs redeclares them.
func (r *EndpointRegistry) UpdateEndpoints(ctx context.Context, specs []domain.EndpointSpec) error {
	next := make(map[string]Endpoint, len(specs))
	paths := make(map[string]string, len(specs))

	for _, spec := range specs {
		endpoint, err := r.build(ctx, spec)
		if err != nil {
			return err
		}
		if _, exists := next[spec.Name]; exists {
			return fmt.Errorf("%w: duplicate endpoint name %q", domain.ErrConfigInvalid, spec.Name)
		}
		if other, exists := paths[spec.Path]; exists {
			return fmt.Errorf("%w: endpoints %q and %q share path %q", domain.ErrConfigInvalid, other, spec.Name, spec.Path)
		}
		paths[spec.Path] = spec.Name
		next[spec.Name] = endpoint
	}

	r.mu.Lock()
	r.endpoints = next
	r.generation++
	generation := r.generation
	r.mu.Unlock()

	r.logger.Info("endpoints updated",
		"count", len(next),
		"generation", generation,
	)
	return nil
}

// Register adds an endpoint whose pipelines are built in Go.
func (r *EndpointRegistry) Register(spec domain.EndpointSpec, pipelines map[string]Step) error {
	if err := checkEndpointSpec(spec); err != nil {
		return err
	}
	endpoint := Endpoint{Spec: spec, Pipelines: make(map[string]Step, len(pipelines))}
	for method, step := range pipelines {
		method = strings.ToUpper(method)
		if !domain.IsSupportedMethod(method) {
			return fmt.Errorf("%w: endpoint %q: unsupported method %q", domain.ErrConfigInvalid, spec.Name, method)
		}
		if err := ValidateStep(step); err != nil {
			return fmt.Errorf("endpoint %q %s: %w", spec.Name, method, err)
		}
		endpoint.Pipelines[method] = step
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, existing := range r.endpoints {
		if name != spec.Name && existing.Spec.Path == spec.Path {
			return fmt.Errorf("%w: endpoints %q and %q share path %q", domain.ErrConfigInvalid, name, spec.Name, spec.Path)
		}
	}
	r.endpoints[spec.Name] = endpoint
	r.generation++
	return nil
}

// Lookup returns the endpoint and the plan for method. It fails with a
// *domain.ConfigurationError before anything runs when the endpoint is
// unknown or has no pipeline for method.
func (r *EndpointRegistry) Lookup(name, method string) (Endpoint, Step, error) {
	r.mu.RLock()
	endpoint, ok := r.endpoints[name]
	r.mu.RUnlock()

	method = strings.ToUpper(method)
	if !ok {
		return Endpoint{}, nil, &domain.ConfigurationError{Endpoint: name, Err: domain.ErrEndpointNotFound}
	}
	step, ok := endpoint.Pipelines[method]
	if !ok {
		return endpoint, nil, &domain.ConfigurationError{Endpoint: name, Method: method, Err: domain.ErrPipelineNotFound}
	}
	return endpoint, step, nil
}

// List returns the endpoints sorted by path.
func (r *EndpointRegistry) List() []Endpoint {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		out = append(out, endpoint)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Path < out[j].Spec.Path })
	return out
}

// Generation increments on every successful change.
func (r *EndpointRegistry) Generation() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

func (r *EndpointRegistry) build(ctx context.Context, spec domain.EndpointSpec) (Endpoint, error) {
	if err := checkEndpointSpec(spec); err != nil {
		return Endpoint{}, err
	}
	if len(spec.Methods) == 0 {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q declares no methods", domain.ErrConfigInvalid, spec.Name)
	}

	endpoint := Endpoint{Spec: spec, Pipelines: make(map[string]Step, len(spec.Methods))}
	for _, method := range spec.MethodNames() {
		upper := strings.ToUpper(method)
		if !domain.IsSupportedMethod(upper) {
			return Endpoint{}, fmt.Errorf("%w: endpoint %q: unsupported method %q", domain.ErrConfigInvalid, spec.Name, method)
		}
		step, err := r.builder.Build(ctx, spec.Methods[method])
		if err != nil {
			r.logger.Error("failed to build pipeline",
				"endpoint", spec.Name,
				"method", upper,
				"error", err,
			)
			return Endpoint{}, fmt.Errorf("endpoint %q %s: %w", spec.Name, upper, err)
		}
		endpoint.Pipelines[upper] = step
	}
	return endpoint, nil
}

func checkEndpointSpec(spec domain.EndpointSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: endpoint name is required", domain.ErrConfigInvalid)
	}
	if !strings.HasPrefix(spec.Path, "/") {
		return fmt.Errorf("%w: endpoint %q: path %q must start with /", domain.ErrConfigInvalid, spec.Name, spec.Path)
	}
	return nil
}
