// Package domain defines the core types shared by the pipeline engine, its
// configuration layer and the HTTP adapter.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no HTTP routing, telemetry, file watching)
// - Plain data: endpoint and step declarations, the per-request DataBag, errors
// - Testable in isolation without mocks
//
// Other packages (engine, config, schema) depend on these types. The dependency
// direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
