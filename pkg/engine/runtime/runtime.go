// Package runtime defines the core contracts shared by the pipeline executor and
// the units it runs, keeping business logic decoupled from execution mechanics.
package runtime

import (
	"context"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/schema"
)

// Outcome captures how a unit finished and guides what the executor does next.
type Outcome string

const (
	// OutcomeContinue hands the produced DataBag to the next step.
	OutcomeContinue Outcome = "continue"
	// OutcomeBranch tags the produced DataBag with a key; the next step must be a conditional map.
	OutcomeBranch Outcome = "branch"
	// OutcomeExit stops the whole pipeline and returns the payload as the response.
	OutcomeExit Outcome = "exit"
)

// Result bundles a unit's outcome with the data it produced.
type Result struct {
	Outcome Outcome
	Data    domain.DataBag
	Key     any
	Payload any
}

// WithDefaults ensures the outcome is set even when units omit it.
func (r Result) WithDefaults() Result {
	if r.Outcome == "" {
		r.Outcome = OutcomeContinue
	}
	if r.Outcome != OutcomeExit && r.Data == nil {
		r.Data = domain.DataBag{}
	}
	return r
}

// Continue constructs a plain result carrying data to the next step.
func Continue(data domain.DataBag) Result {
	return Result{Outcome: OutcomeContinue, Data: data}
}

// Branch constructs a tagged result; key selects the branch of the following
// conditional map.
func Branch(key any, data domain.DataBag) Result {
	return Result{Outcome: OutcomeBranch, Key: key, Data: data}
}

// Exit constructs an early exit. The payload becomes the pipeline's response
// and every remaining step is skipped.
func Exit(payload any) Result {
	return Result{Outcome: OutcomeExit, Payload: payload}
}

// Kind distinguishes validation units from transform units.
type Kind string

const (
	KindValidation Kind = "validation"
	KindTransform  Kind = "transform"
)

// Unit is a single pipeline operation.
type Unit interface {
	Name() string
	Kind() Kind
	Call(ctx context.Context, data domain.DataBag) (Result, error)
}

// Validator checks raw input and returns its normalized form. Failures should
// be reported as *domain.ValidationError.
type Validator interface {
	Validate(ctx context.Context, raw domain.DataBag) (domain.DataBag, error)
}

// Describer is implemented by units that know their field shapes. The API
// description uses it to report inputs and outputs per method.
type Describer interface {
	InputSchema() *schema.Schema
	OutputSchema() *schema.Schema
}
