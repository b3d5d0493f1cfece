package engine

import (
	"fmt"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
)

// Step is one node of a pipeline plan. The set of variants is closed:
// UnitStep, Sequence, ParallelGroup and ConditionalMap.
type Step interface {
	stepKind() string
}

// UnitStep runs a single validation or transform unit.
type UnitStep struct {
	Unit runtime.Unit
}

// Sequence runs its members left to right; each consumes the previous
// member's output.
type Sequence []Step

// ParallelGroup runs leaf units concurrently on copies of the same input and
// merges their outputs in declaration order.
type ParallelGroup struct {
	Members       []UnitStep
	PreserveInput bool
}

// ConditionalMap selects one branch by the key of the preceding tagged result.
type ConditionalMap struct {
	Branches map[any]Step
}

func (UnitStep) stepKind() string       { return "unit" }
func (Sequence) stepKind() string       { return "sequence" }
func (ParallelGroup) stepKind() string  { return "parallel" }
func (ConditionalMap) stepKind() string { return "conditional" }

// Leaf wraps a unit as a step.
func Leaf(unit runtime.Unit) UnitStep {
	return UnitStep{Unit: unit}
}

// Seq builds a sequence from steps.
func Seq(steps ...Step) Sequence {
	return Sequence(steps)
}

// Parallel builds a group whose members see only the original input.
func Parallel(members ...UnitStep) ParallelGroup {
	return ParallelGroup{Members: members}
}

// ParallelPreserving builds a group whose merged output starts from the
// group's input.
func ParallelPreserving(members ...UnitStep) ParallelGroup {
	return ParallelGroup{Members: members, PreserveInput: true}
}

// Branches builds a conditional map.
func Branches(branches map[any]Step) ConditionalMap {
	return ConditionalMap{Branches: branches}
}

// KindOf names the variant of step, or "unknown".
func KindOf(step Step) string {
	if step == nil {
		return "nil"
	}
	switch s := normalize(step).(type) {
	case UnitStep, Sequence, ParallelGroup, ConditionalMap:
		return s.stepKind()
	default:
		return "unknown"
	}
}

// normalize dereferences pointer variants so the executor only switches over
// values. A nil pointer becomes a nil Step.
func normalize(step Step) Step {
	switch s := step.(type) {
	case *UnitStep:
		if s == nil {
			return nil
		}
		return *s
	case *Sequence:
		if s == nil {
			return nil
		}
		return *s
	case *ParallelGroup:
		if s == nil {
			return nil
		}
		return *s
	case *ConditionalMap:
		if s == nil {
			return nil
		}
		return *s
	default:
		return step
	}
}

// ValidateStep checks the static shape of a plan: every variant is known,
// every unit is set, and no conditional map sits where no tagged result can
// reach it (at the top level or first in a sequence). Whether a unit
// actually tags its output is only known at run time.
func ValidateStep(step Step) error {
	if _, ok := normalize(step).(ConditionalMap); ok {
		return fmt.Errorf("%w: conditional map at the top level has no preceding tagged result", domain.ErrInvalidPipeline)
	}
	return validateStep(step, "root")
}

func validateStep(step Step, path string) error {
	switch s := normalize(step).(type) {
	case UnitStep:
		if s.Unit == nil {
			return fmt.Errorf("%w: %s has no unit", domain.ErrInvalidPipeline, path)
		}
		return nil

	case Sequence:
		for i, member := range s {
			memberPath := fmt.Sprintf("%s[%d]", path, i)
			if _, ok := normalize(member).(ConditionalMap); ok && i == 0 {
				return fmt.Errorf("%w: %s is a conditional map with no preceding tagged result", domain.ErrInvalidPipeline, memberPath)
			}
			if err := validateStep(member, memberPath); err != nil {
				return err
			}
		}
		return nil

	case ParallelGroup:
		for i, member := range s.Members {
			if err := validateStep(member, fmt.Sprintf("%s.parallel[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil

	case ConditionalMap:
		if len(s.Branches) == 0 {
			return fmt.Errorf("%w: %s declares no branches", domain.ErrInvalidPipeline, path)
		}
		for key, branch := range s.Branches {
			branchPath := fmt.Sprintf("%s{%v}", path, key)
			if _, ok := normalize(branch).(ConditionalMap); ok {
				return fmt.Errorf("%w: %s is a conditional map with no preceding tagged result", domain.ErrInvalidPipeline, branchPath)
			}
			if err := validateStep(branch, branchPath); err != nil {
				return err
			}
		}
		return nil

	case nil:
		return &domain.UnsupportedStepError{Kind: "nil"}

	default:
		return &domain.UnsupportedStepError{Kind: fmt.Sprintf("%T", step)}
	}
}
