package domain

import "time"

// Snapshot represents a point-in-time set of endpoint declarations.
type Snapshot struct {
	Generation string
	Endpoints  []EndpointSpec
	Timestamp  time.Time
}

// ConfigService defines the interface for configuration management.
type ConfigService interface {
	// CurrentSnapshot returns the current configuration.
	CurrentSnapshot() Snapshot

	// UpdateSnapshot atomically updates configuration.
	UpdateSnapshot(snapshot Snapshot) error

	// Subscribe to configuration changes.
	Subscribe() <-chan Snapshot
}
