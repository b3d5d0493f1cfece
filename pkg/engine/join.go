package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-pipelines/pkg/domain"
)

// join runs every member of the group concurrently, each on its own copy of
// data, and waits for all of them. Results are merged in declaration order so
// the later-declared member wins a key collision regardless of which finished
// first. When any member fails, the error of the earliest-declared failing
// member is returned; siblings are not cancelled. Otherwise an exit from the
// earliest-declared exiting member ends the pipeline. Tags on member results
// are dropped.
func (e *Executor) join(ctx context.Context, group ParallelGroup, data domain.DataBag) (stepOutcome, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step.kind", "parallel"),
		attribute.Int("step.members", len(group.Members)),
		attribute.Bool("step.preserve_input", group.PreserveInput),
	))
	defer span.End()

	n := len(group.Members)
	outcomes := make([]stepOutcome, n)
	errs := make([]error, n)

	inputs := make([]domain.DataBag, n)
	for i := range group.Members {
		inputs[i] = data.Clone()
	}

	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for i, member := range group.Members {
		g.Go(func() error {
			outcomes[i], errs[i] = e.runUnit(ctx, member, inputs[i])
			return errs[i]
		})
	}

	if err := g.Wait(); err != nil {
		for i, memberErr := range errs {
			if memberErr == nil {
				continue
			}
			e.logger.Debug("parallel group failed",
				"member", i,
				"members", n,
				"error", memberErr,
			)
			span.RecordError(memberErr)
			span.SetStatus(codes.Error, memberErr.Error())
			return stepOutcome{}, memberErr
		}
	}

	for _, out := range outcomes {
		if out.exited {
			return out, nil
		}
	}

	merged := make(domain.DataBag)
	if group.PreserveInput {
		merged.Merge(data)
	}
	for _, out := range outcomes {
		merged.Merge(out.data)
	}
	return stepOutcome{data: merged}, nil
}
