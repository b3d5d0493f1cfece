package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
	"github.com/polisai/polis-pipelines/pkg/engine/units"
	"github.com/polisai/polis-pipelines/pkg/schema"
)

// Builder turns declarative step specs into executable steps. Named units
// are resolved through the catalog; validate, rego and script steps are
// compiled once at build time.
type Builder struct {
	catalog *UnitCatalog
	logger  *slog.Logger
}

// NewBuilder creates a builder over catalog. A nil catalog uses the default
// built-in units.
func NewBuilder(catalog *UnitCatalog, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = NewDefaultCatalog(logger)
	}
	return &Builder{catalog: catalog, logger: logger}
}

// NewDefaultCatalog returns a catalog holding the built-in units.
func NewDefaultCatalog(logger *slog.Logger) *UnitCatalog {
	c := NewUnitCatalog()
	c.MustRegister("passthrough", "v1", units.Passthrough(logger))
	c.MustRegister("respond", "v1", units.Respond(logger))
	c.MustRegister("discard", "v1", units.Discard(), "empty")
	c.MustRegister("deny", "v1", units.Deny(logger))
	return c
}

// Catalog exposes the catalog the builder resolves units from.
func (b *Builder) Catalog() *UnitCatalog {
	return b.catalog
}

// Build compiles spec and checks the resulting plan's shape.
func (b *Builder) Build(ctx context.Context, spec domain.StepSpec) (Step, error) {
	step, err := b.build(ctx, spec, "root")
	if err != nil {
		return nil, err
	}
	if err := ValidateStep(step); err != nil {
		return nil, err
	}
	return step, nil
}

func (b *Builder) build(ctx context.Context, spec domain.StepSpec, path string) (Step, error) {
	kind, err := spec.Kind()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	switch kind {
	case domain.StepKindSequence:
		if len(spec.Sequence) == 0 {
			return nil, fmt.Errorf("%w: %s: sequence is empty", domain.ErrConfigInvalid, path)
		}
		seq := make(Sequence, 0, len(spec.Sequence))
		for i, member := range spec.Sequence {
			step, err := b.build(ctx, member, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			seq = append(seq, step)
		}
		return seq, nil

	case domain.StepKindParallel:
		if len(spec.Parallel.Members) == 0 {
			return nil, fmt.Errorf("%w: %s: parallel group is empty", domain.ErrConfigInvalid, path)
		}
		group := ParallelGroup{
			Members:       make([]UnitStep, 0, len(spec.Parallel.Members)),
			PreserveInput: spec.Parallel.PreserveInput,
		}
		for i, member := range spec.Parallel.Members {
			memberPath := fmt.Sprintf("%s.parallel[%d]", path, i)
			memberKind, err := member.Kind()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", memberPath, err)
			}
			if !memberKind.IsLeaf() {
				return nil, fmt.Errorf("%w: %s: parallel members must be units, got %s", domain.ErrConfigInvalid, memberPath, memberKind)
			}
			unit, err := b.buildUnit(ctx, member, memberKind, memberPath)
			if err != nil {
				return nil, err
			}
			group.Members = append(group.Members, Leaf(unit))
		}
		return group, nil

	case domain.StepKindBranches:
		cond := ConditionalMap{Branches: make(map[any]Step, len(spec.Branches))}
		for key, branch := range spec.Branches {
			step, err := b.build(ctx, branch, fmt.Sprintf("%s{%v}", path, key))
			if err != nil {
				return nil, err
			}
			cond.Branches[key] = step
		}
		return cond, nil

	default:
		unit, err := b.buildUnit(ctx, spec, kind, path)
		if err != nil {
			return nil, err
		}
		return Leaf(unit), nil
	}
}

func (b *Builder) buildUnit(ctx context.Context, spec domain.StepSpec, kind domain.StepKind, path string) (runtime.Unit, error) {
	var unit runtime.Unit
	switch kind {
	case domain.StepKindUnit:
		resolved, meta, ok := b.catalog.Resolve(spec.Unit)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %q (registered: %v)", domain.ErrUnitNotFound, path, spec.Unit, b.catalog.Names())
		}
		b.logger.Debug("resolved unit", "path", path, "ref", spec.Unit, "canonical", meta.Canonical)
		unit = resolved

	case domain.StepKindValidate:
		s, err := schema.FromSpec(*spec.Validate)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		name := spec.Validate.Name
		if name == "" {
			name = "validate"
		}
		unit = runtime.Validate(name, s)

	case domain.StepKindRego:
		rego, err := units.NewRego(ctx, *spec.Rego)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		unit = rego

	case domain.StepKindScript:
		script, err := units.NewScript(*spec.Script)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		unit = script

	default:
		return nil, fmt.Errorf("%w: %s: %s is not a unit", domain.ErrConfigInvalid, path, kind)
	}

	if spec.Cache != nil {
		// Validation reads headers and cookies from the request, which are
		// not part of the cache key.
		if unit.Kind() == runtime.KindValidation {
			return nil, fmt.Errorf("%w: %s: validation unit %q cannot be cached", domain.ErrConfigInvalid, path, unit.Name())
		}
		unit = units.Cached(unit, spec.Cache.TTL, spec.Cache.Capacity)
	}
	return unit, nil
}
