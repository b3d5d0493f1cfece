// Package schema describes the field shape of pipeline units and validates
// DataBags against it.
package schema

// Type is the data type of a field.
type Type string

// Supported field types
const (
	TypeString   Type = "string"
	TypeInteger  Type = "integer"
	TypeNumber   Type = "number"
	TypeBoolean  Type = "boolean"
	TypeObject   Type = "object"
	TypeArray    Type = "array"
	TypeDate     Type = "date"
	TypeDateTime Type = "datetime"
	TypeAny      Type = "any"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject,
		TypeArray, TypeDate, TypeDateTime, TypeAny:
		return true
	default:
		return false
	}
}

// Source is where a field's raw value is read from.
type Source string

// Field sources
const (
	SourceBody   Source = "body"
	SourceHeader Source = "header"
	SourceCookie Source = "cookie"
)

// Rules holds optional constraints applied after coercion.
type Rules struct {
	MinLength *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Minimum   *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Choices   []any    `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// Field describes one named value.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	Type     Type   `json:"type" yaml:"type"`
	Required bool   `json:"required" yaml:"required"`
	Nullable bool   `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
	Source   Source `json:"source,omitempty" yaml:"source,omitempty"`
	Help     string `json:"help,omitempty" yaml:"help,omitempty"`
	Rules    *Rules `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Schema is an ordered set of fields.
type Schema struct {
	Name   string  `json:"name,omitempty" yaml:"name,omitempty"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Lookup returns the field declared under name.
func (s *Schema) Lookup(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Names returns the declared field names in declaration order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}
