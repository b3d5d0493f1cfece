// Package governance holds the runtime safety controls the HTTP adapter
// applies around pipeline execution: per endpoint rate limiting and request
// timeouts.
package governance
