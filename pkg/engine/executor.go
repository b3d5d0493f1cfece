package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
	"github.com/polisai/polis-pipelines/pkg/telemetry"
)

const tracerName = "pipelines.engine"

// Executor interprets step trees. It holds no per-request state and is safe
// for concurrent use.
type Executor struct {
	logger      *slog.Logger
	maxParallel int
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	Logger *slog.Logger
	// MaxParallel bounds how many members of one parallel group run at
	// once. Zero or negative means unbounded.
	MaxParallel int
}

// NewExecutor creates a new executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:      logger,
		maxParallel: cfg.MaxParallel,
	}
}

// ExecutionResult is the outcome of a whole pipeline run: either the final
// DataBag or, when Exited is set, the early exit payload.
type ExecutionResult struct {
	Data    domain.DataBag
	Exited  bool
	Payload any
}

// stepOutcome is what every recursive call hands back. An exit travels up
// through it untouched until Execute converts it.
type stepOutcome struct {
	data     domain.DataBag
	tagged   bool
	key      any
	exited   bool
	payload  any
	exitUnit string
}

// Execute runs step against data. A nil data is treated as empty.
func (e *Executor) Execute(ctx context.Context, step Step, data domain.DataBag) (ExecutionResult, error) {
	if data == nil {
		data = domain.DataBag{}
	}
	meta, _ := domain.RequestMetaFromContext(ctx)

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.endpoint", meta.Endpoint),
		attribute.String("http.method", meta.Method),
		attribute.String("pipeline.root", KindOf(step)),
	))
	defer span.End()

	if _, ok := normalize(step).(ConditionalMap); ok {
		err := fmt.Errorf("%w: conditional map at the top level has no preceding tagged result", domain.ErrInvalidPipeline)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ExecutionResult{}, err
	}

	start := time.Now()
	out, err := e.executeStep(ctx, step, data)
	if err != nil {
		level := slog.LevelError
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			level = slog.LevelInfo
		}
		e.logger.Log(ctx, level, "pipeline execution failed",
			"endpoint", meta.Endpoint,
			"method", meta.Method,
			"request_id", meta.RequestID,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ExecutionResult{}, err
	}

	if out.exited {
		telemetry.RecordEarlyExit(ctx, meta.Endpoint, meta.Method, out.exitUnit)
		span.SetAttributes(attribute.Bool("pipeline.exited", true))
		e.logger.Debug("pipeline exited early",
			"endpoint", meta.Endpoint,
			"method", meta.Method,
			"unit", out.exitUnit,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return ExecutionResult{Exited: true, Payload: out.payload}, nil
	}

	result := out.data
	if result == nil {
		result = domain.DataBag{}
	}
	e.logger.Debug("pipeline execution complete",
		"endpoint", meta.Endpoint,
		"method", meta.Method,
		"keys", len(result),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ExecutionResult{Data: result}, nil
}

func (e *Executor) executeStep(ctx context.Context, step Step, data domain.DataBag) (stepOutcome, error) {
	switch s := normalize(step).(type) {
	case UnitStep:
		return e.runUnit(ctx, s, data)
	case Sequence:
		return e.runSequence(ctx, s, data)
	case ParallelGroup:
		return e.join(ctx, s, data)
	case ConditionalMap:
		return stepOutcome{}, fmt.Errorf("%w: conditional map is not preceded by a tagged result", domain.ErrInvalidPipeline)
	case nil:
		return stepOutcome{}, &domain.UnsupportedStepError{Kind: "nil"}
	default:
		return stepOutcome{}, &domain.UnsupportedStepError{Kind: fmt.Sprintf("%T", step)}
	}
}

// runSequence folds data through the members. A tagged result is resolved
// against the conditional map that must follow it; a tag on the last member
// is dropped.
func (e *Executor) runSequence(ctx context.Context, seq Sequence, data domain.DataBag) (stepOutcome, error) {
	current := data
	if current == nil {
		current = domain.DataBag{}
	}

	var pending *stepOutcome
	for i, member := range seq {
		cond, isMap := normalize(member).(ConditionalMap)

		var (
			out stepOutcome
			err error
		)
		switch {
		case pending != nil && !isMap:
			return stepOutcome{}, fmt.Errorf("%w: step %d follows a tagged result (key %v) but is a %s, not a conditional map",
				domain.ErrInvalidPipeline, i, pending.key, KindOf(member))
		case pending == nil && isMap:
			return stepOutcome{}, fmt.Errorf("%w: conditional map at step %d is not preceded by a tagged result",
				domain.ErrInvalidPipeline, i)
		case isMap:
			out, err = e.selectBranch(ctx, cond, *pending)
		default:
			out, err = e.executeStep(ctx, member, current)
		}
		pending = nil
		if err != nil {
			return stepOutcome{}, err
		}
		if out.exited {
			return out, nil
		}

		current = out.data
		if current == nil {
			current = domain.DataBag{}
		}
		if out.tagged {
			tagged := out
			pending = &tagged
		}
	}
	return stepOutcome{data: current}, nil
}

func (e *Executor) selectBranch(ctx context.Context, cond ConditionalMap, tagged stepOutcome) (stepOutcome, error) {
	span := trace.SpanFromContext(ctx)
	if t := reflect.TypeOf(tagged.key); t != nil && !t.Comparable() {
		telemetry.RecordBranchDecision(span, tagged.key, false)
		return stepOutcome{}, &domain.BranchNotFoundError{Key: tagged.key, Available: branchKeys(cond)}
	}
	branch, ok := cond.Branches[tagged.key]
	telemetry.RecordBranchDecision(span, tagged.key, ok)
	if !ok {
		return stepOutcome{}, &domain.BranchNotFoundError{Key: tagged.key, Available: branchKeys(cond)}
	}
	e.logger.Debug("branch selected", "key", tagged.key, "step", KindOf(branch))
	return e.executeStep(ctx, branch, tagged.data)
}

func branchKeys(cond ConditionalMap) []string {
	keys := make([]string, 0, len(cond.Branches))
	for key := range cond.Branches {
		keys = append(keys, fmt.Sprint(key))
	}
	sort.Strings(keys)
	return keys
}

// runUnit invokes one unit under its own span. A panic inside the unit is
// returned as a *domain.UnitPanicError.
func (e *Executor) runUnit(ctx context.Context, step UnitStep, data domain.DataBag) (stepOutcome, error) {
	if step.Unit == nil {
		return stepOutcome{}, fmt.Errorf("%w: unit step has no unit", domain.ErrInvalidPipeline)
	}
	unit := step.Unit
	meta, _ := domain.RequestMetaFromContext(ctx)

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step.kind", "unit"),
		attribute.String("step.unit", unit.Name()),
		attribute.String("step.unit_kind", string(unit.Kind())),
	))
	defer span.End()

	start := time.Now()
	result, err := invokeUnit(ctx, unit, data)
	duration := time.Since(start)

	outcome := string(result.Outcome)
	if err != nil {
		outcome = "error"
	}
	span.SetAttributes(
		attribute.String("step.outcome", outcome),
		attribute.Int64("step.duration_ms", duration.Milliseconds()),
	)
	telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
		Endpoint: meta.Endpoint,
		Method:   meta.Method,
		StepKind: "unit",
		Unit:     unit.Name(),
		Outcome:  outcome,
		Duration: duration,
		Failed:   err != nil,
	})

	if err != nil {
		level := slog.LevelError
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			level = slog.LevelInfo
		}
		e.logger.Log(ctx, level, "unit execution failed",
			"unit", unit.Name(),
			"endpoint", meta.Endpoint,
			"method", meta.Method,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stepOutcome{}, err
	}

	switch result.Outcome {
	case runtime.OutcomeExit:
		telemetry.RecordEarlyExitEvent(span, unit.Name())
		return stepOutcome{exited: true, payload: result.Payload, exitUnit: unit.Name()}, nil
	case runtime.OutcomeBranch:
		return stepOutcome{data: result.Data, tagged: true, key: result.Key}, nil
	case runtime.OutcomeContinue:
		return stepOutcome{data: result.Data}, nil
	default:
		err := fmt.Errorf("unit %q returned unknown outcome %q", unit.Name(), result.Outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stepOutcome{}, err
	}
}

func invokeUnit(ctx context.Context, unit runtime.Unit, data domain.DataBag) (result runtime.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = runtime.Result{}
			err = &domain.UnitPanicError{Unit: unit.Name(), Value: r}
		}
	}()
	result, err = unit.Call(ctx, data)
	if err != nil {
		return runtime.Result{}, err
	}
	return result.WithDefaults(), nil
}
