package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is the file representation of the endpoint definitions (DTO).
type Snapshot struct {
	Endpoints []EndpointSpec `yaml:"endpoints"`
}

// EndpointSpec declares one endpoint in the definitions file.
type EndpointSpec struct {
	Name        string              `yaml:"name"`
	Path        string              `yaml:"path"`
	Description string              `yaml:"description,omitempty"`
	Timeout     time.Duration       `yaml:"timeout,omitempty"`
	RateLimit   *RateLimitSpec      `yaml:"rate_limit,omitempty"`
	Methods     map[string]StepSpec `yaml:"methods"`
}

// RateLimitSpec configures the endpoint's token bucket.
type RateLimitSpec struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// StepSpec is one node of a pipeline tree. In YAML a plain scalar names a
// unit and a list is a sequence; a mapping selects the variant by key.
type StepSpec struct {
	Unit     string
	Sequence []StepSpec
	Parallel *ParallelSpec
	Branches map[any]StepSpec
	Validate *ValidationSpec
	Rego     *RegoSpec
	Script   *ScriptSpec
	Cache    *CacheSpec
}

// stepFields mirrors StepSpec for decoding the mapping form.
type stepFields struct {
	Unit     string          `yaml:"unit"`
	Sequence []StepSpec      `yaml:"sequence"`
	Parallel *ParallelSpec   `yaml:"parallel"`
	Branches yaml.Node       `yaml:"branches"`
	Validate *ValidationSpec `yaml:"validate"`
	Rego     *RegoSpec       `yaml:"rego"`
	Script   *ScriptSpec     `yaml:"script"`
	Cache    *CacheSpec      `yaml:"cache"`
}

var stepKeys = map[string]bool{
	"unit": true, "sequence": true, "parallel": true, "branches": true,
	"validate": true, "rego": true, "script": true, "cache": true,
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StepSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.Unit)
	case yaml.SequenceNode:
		var seq []StepSpec
		if err := node.Decode(&seq); err != nil {
			return err
		}
		if seq == nil {
			seq = []StepSpec{}
		}
		s.Sequence = seq
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if key := node.Content[i].Value; !stepKeys[key] {
				return fmt.Errorf("line %d: unknown step key %q", node.Content[i].Line, key)
			}
		}
		var fields stepFields
		if err := node.Decode(&fields); err != nil {
			return err
		}
		*s = StepSpec{
			Unit:     fields.Unit,
			Sequence: fields.Sequence,
			Parallel: fields.Parallel,
			Validate: fields.Validate,
			Rego:     fields.Rego,
			Script:   fields.Script,
			Cache:    fields.Cache,
		}
		if fields.Sequence == nil && hasKey(node, "sequence") {
			s.Sequence = []StepSpec{}
		}
		if fields.Branches.Kind != 0 {
			branches, err := decodeBranches(&fields.Branches)
			if err != nil {
				return err
			}
			s.Branches = branches
		}
		return nil
	default:
		return fmt.Errorf("line %d: step must be a unit name, a list or a mapping", node.Line)
	}
}

func hasKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// decodeBranches keeps branch keys typed: `1:` is the integer 1, `"1":` the
// string, `true:` the boolean.
func decodeBranches(node *yaml.Node) (map[any]StepSpec, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: branches must be a mapping", node.Line)
	}
	branches := make(map[any]StepSpec, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		if keyNode.Kind != yaml.ScalarNode || keyNode.Tag == "!!null" {
			return nil, fmt.Errorf("line %d: branch key must be a scalar", keyNode.Line)
		}
		var key any
		if err := keyNode.Decode(&key); err != nil {
			return nil, err
		}
		if _, dup := branches[key]; dup {
			return nil, fmt.Errorf("line %d: duplicate branch key %v", keyNode.Line, key)
		}
		var step StepSpec
		if err := valueNode.Decode(&step); err != nil {
			return nil, err
		}
		branches[key] = step
	}
	return branches, nil
}

// ParallelSpec declares a concurrent group. A bare list is shorthand for
// members without preserve_input.
type ParallelSpec struct {
	Members       []StepSpec `yaml:"members"`
	PreserveInput bool       `yaml:"preserve_input"`
}

type parallelFields ParallelSpec

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *ParallelSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		p.PreserveInput = false
		return node.Decode(&p.Members)
	}
	var fields parallelFields
	if err := node.Decode(&fields); err != nil {
		return err
	}
	*p = ParallelSpec(fields)
	return nil
}

// ValidationSpec declares an inline validation unit.
type ValidationSpec struct {
	Name   string      `yaml:"name"`
	Fields []FieldSpec `yaml:"fields"`
}

// FieldSpec declares one validated field.
type FieldSpec struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Required  bool     `yaml:"required"`
	Nullable  bool     `yaml:"nullable"`
	Default   any      `yaml:"default"`
	Source    string   `yaml:"source"`
	MinLength *int     `yaml:"min_length"`
	MaxLength *int     `yaml:"max_length"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	Choices   []any    `yaml:"choices"`
	Help      string   `yaml:"help"`
}

// RegoSpec declares a Rego decision unit. Module and ModuleFile are
// exclusive; ModuleFile is resolved against the definitions file.
type RegoSpec struct {
	Name       string `yaml:"name"`
	Module     string `yaml:"module"`
	ModuleFile string `yaml:"module_file"`
	Query      string `yaml:"query"`
}

// ScriptSpec declares a JavaScript transform unit. Source and SourceFile
// are exclusive.
type ScriptSpec struct {
	Name       string        `yaml:"name"`
	Source     string        `yaml:"source"`
	SourceFile string        `yaml:"source_file"`
	Function   string        `yaml:"function"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CacheSpec memoizes a leaf unit.
type CacheSpec struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}
