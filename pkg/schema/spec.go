package schema

import (
	"fmt"

	"github.com/polisai/polis-pipelines/pkg/domain"
)

// FromSpec builds a schema from a declarative validation block.
func FromSpec(spec domain.ValidationSpec) (*Schema, error) {
	s := &Schema{Name: spec.Name}
	for _, fs := range spec.Fields {
		if fs.Name == "" {
			return nil, fmt.Errorf("%w: validation %q has a field without a name", domain.ErrConfigInvalid, spec.Name)
		}
		if _, exists := s.Lookup(fs.Name); exists {
			return nil, fmt.Errorf("%w: validation %q declares field %q twice", domain.ErrConfigInvalid, spec.Name, fs.Name)
		}

		t := Type(fs.Type)
		if t == "" {
			t = TypeString
		}
		if !t.Valid() {
			return nil, fmt.Errorf("%w: field %q has unknown type %q", domain.ErrConfigInvalid, fs.Name, fs.Type)
		}

		src := Source(fs.Source)
		switch src {
		case "":
			src = SourceBody
		case SourceBody, SourceHeader, SourceCookie:
		default:
			return nil, fmt.Errorf("%w: field %q has unknown source %q", domain.ErrConfigInvalid, fs.Name, fs.Source)
		}

		field := Field{
			Name:     fs.Name,
			Type:     t,
			Required: fs.Required,
			Nullable: fs.Nullable,
			Default:  fs.Default,
			Source:   src,
			Help:     fs.Help,
		}
		if fs.MinLength != nil || fs.MaxLength != nil || fs.Min != nil || fs.Max != nil || len(fs.Choices) > 0 {
			field.Rules = &Rules{
				MinLength: fs.MinLength,
				MaxLength: fs.MaxLength,
				Minimum:   fs.Min,
				Maximum:   fs.Max,
				Choices:   fs.Choices,
			}
		}
		s.Fields = append(s.Fields, field)
	}
	return s, nil
}
