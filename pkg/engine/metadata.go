package engine

import (
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
	"github.com/polisai/polis-pipelines/pkg/schema"
)

// EndpointDescription is the body of an OPTIONS response.
type EndpointDescription struct {
	Name        string                       `json:"name" yaml:"name"`
	Path        string                       `json:"path" yaml:"path"`
	Description string                       `json:"description,omitempty" yaml:"description,omitempty"`
	Methods     map[string]MethodDescription `json:"methods" yaml:"methods"`
}

// MethodDescription lists the fields a method accepts and returns, when the
// pipeline's first and last units can describe them.
type MethodDescription struct {
	Input  []schema.Field `json:"input,omitempty" yaml:"input,omitempty"`
	Output []schema.Field `json:"output,omitempty" yaml:"output,omitempty"`
}

// Describe builds the metadata of endpoint.
func Describe(endpoint Endpoint) EndpointDescription {
	desc := EndpointDescription{
		Name:        endpoint.Spec.Name,
		Path:        endpoint.Spec.Path,
		Description: endpoint.Spec.Description,
		Methods:     make(map[string]MethodDescription, len(endpoint.Pipelines)),
	}
	for method, step := range endpoint.Pipelines {
		var md MethodDescription
		if s := inputSchema(step); s != nil {
			md.Input = s.Fields
		}
		if s := outputSchema(step); s != nil {
			md.Output = s.Fields
		}
		desc.Methods[method] = md
	}
	return desc
}

// inputSchema follows the first unit the pipeline runs.
func inputSchema(step Step) *schema.Schema {
	switch s := normalize(step).(type) {
	case UnitStep:
		if d, ok := s.Unit.(runtime.Describer); ok {
			return d.InputSchema()
		}
	case Sequence:
		if len(s) > 0 {
			return inputSchema(s[0])
		}
	case ParallelGroup:
		return mergeSchemas(s.Members, func(d runtime.Describer) *schema.Schema { return d.InputSchema() })
	}
	return nil
}

// outputSchema follows the last unit the pipeline runs. A sequence ending in
// a conditional map has no single last unit.
func outputSchema(step Step) *schema.Schema {
	switch s := normalize(step).(type) {
	case UnitStep:
		if d, ok := s.Unit.(runtime.Describer); ok {
			return d.OutputSchema()
		}
	case Sequence:
		if len(s) > 0 {
			return outputSchema(s[len(s)-1])
		}
	case ParallelGroup:
		return mergeSchemas(s.Members, func(d runtime.Describer) *schema.Schema { return d.OutputSchema() })
	}
	return nil
}

// mergeSchemas unions member schemas; a later member's field replaces an
// earlier one of the same name, like the merge of their outputs.
func mergeSchemas(members []UnitStep, pick func(runtime.Describer) *schema.Schema) *schema.Schema {
	var (
		merged schema.Schema
		found  bool
	)
	index := make(map[string]int)
	for _, member := range members {
		d, ok := member.Unit.(runtime.Describer)
		if !ok {
			continue
		}
		s := pick(d)
		if s == nil {
			continue
		}
		found = true
		for _, f := range s.Fields {
			if i, exists := index[f.Name]; exists {
				merged.Fields[i] = f
				continue
			}
			index[f.Name] = len(merged.Fields)
			merged.Fields = append(merged.Fields, f)
		}
	}
	if !found {
		return nil
	}
	return &merged
}
