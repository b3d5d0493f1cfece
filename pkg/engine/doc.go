// Package engine implements declarative request pipelines over a DataBag.
//
// Architecture:
//
// step.go         - Step sum type (UnitStep, Sequence, ParallelGroup, ConditionalMap) and shape checks
// executor.go     - Core execution engine (sequence folding, branch selection, early exit)
// join.go         - Concurrent join of a parallel group (errgroup fan-out, ordered merge)
// catalog.go      - Named unit catalog (kind@version, aliases)
// builder.go      - Builds steps from domain.StepSpec declarations
// registry.go     - Endpoint registry with atomic snapshot updates
// metadata.go     - Input/output metadata for OPTIONS and the describe command
// http_handler.go - HTTP integration layer (HTTPAdapter, DataBag construction, error mapping)
//
// Units themselves live in engine/runtime (the Unit contract and adapters) and
// engine/units (builtin, Rego, script and cached units).
package engine
