package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
)

// UnitCatalog stores named units so declarative endpoint files can refer to
// Go code. Units are registered under a canonical kind@version key; the bare
// kind and any aliases resolve to it.
type UnitCatalog struct {
	mu      sync.RWMutex
	units   map[string]runtime.Unit
	aliases map[string]string
}

// UnitMetadata describes how a reference was resolved.
type UnitMetadata struct {
	Kind      string
	Version   string
	Canonical string
}

// NewUnitCatalog creates an empty catalog.
func NewUnitCatalog() *UnitCatalog {
	return &UnitCatalog{
		units:   make(map[string]runtime.Unit),
		aliases: make(map[string]string),
	}
}

// Register adds or replaces a unit under kind@version. The first unit
// registered for a kind also answers to the bare kind.
func (c *UnitCatalog) Register(kind, version string, unit runtime.Unit, aliases ...string) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("unit kind is required")
	}
	if unit == nil {
		return fmt.Errorf("unit %q is nil", kind)
	}
	canonical := canonicalKey(kind, version)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.units[canonical] = unit
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		c.aliases[alias] = canonical
	}
	if _, exists := c.aliases[kind]; !exists {
		c.aliases[kind] = canonical
	}
	return nil
}

// MustRegister is Register for start-up code; it panics on error.
func (c *UnitCatalog) MustRegister(kind, version string, unit runtime.Unit, aliases ...string) {
	if err := c.Register(kind, version, unit, aliases...); err != nil {
		panic(err)
	}
}

// Resolve finds the unit referenced by raw, which may be kind@version, a bare
// kind, or an alias.
func (c *UnitCatalog) Resolve(raw string) (runtime.Unit, UnitMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kind, version := parseUnitRef(raw)
	canonical := canonicalKey(kind, version)
	if unit, ok := c.units[canonical]; ok {
		return unit, UnitMetadata{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := c.aliases[strings.TrimSpace(raw)]; ok {
		if unit, ok := c.units[alias]; ok {
			return unit, UnitMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := c.aliases[kind]; ok {
			if unit, ok := c.units[alias]; ok {
				return unit, UnitMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
			}
		}
	}
	return nil, UnitMetadata{}, false
}

// Names lists the canonical keys in sorted order.
func (c *UnitCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.units))
	for name := range c.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseUnitRef(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

func versionFromKey(key string) string {
	_, version := parseUnitRef(key)
	return version
}
