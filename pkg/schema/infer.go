package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

var (
	timeType       = reflect.TypeOf(time.Time{})
	rawMessageType = reflect.TypeOf(json.RawMessage{})
)

// FromType derives a schema from a struct type (or pointer to one). Field
// names follow the json tag. Pointer fields and fields tagged omitempty are
// optional; pointer fields are nullable. A `help` struct tag is carried into
// the field description.
func FromType(t reflect.Type) (*Schema, error) {
	if t == nil {
		return nil, fmt.Errorf("schema: nil type")
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: %s is not a struct", t)
	}

	s := &Schema{Name: t.Name()}
	if err := collectFields(t, s); err != nil {
		return nil, err
	}
	return s, nil
}

// For infers the schema of T.
func For[T any]() (*Schema, error) {
	return FromType(reflect.TypeOf((*T)(nil)).Elem())
}

func collectFields(t reflect.Type, s *Schema) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}

		name, omitempty, skip := jsonName(sf)
		if skip {
			continue
		}
		if sf.Anonymous && name == "" {
			embedded := sf.Type
			if embedded.Kind() == reflect.Pointer {
				embedded = embedded.Elem()
			}
			if embedded.Kind() == reflect.Struct {
				if err := collectFields(embedded, s); err != nil {
					return err
				}
				continue
			}
		}
		if name == "" {
			name = sf.Name
		}

		ft := sf.Type
		nullable := false
		if ft.Kind() == reflect.Pointer {
			nullable = true
			ft = ft.Elem()
		}

		if _, exists := s.Lookup(name); exists {
			return fmt.Errorf("schema: duplicate field %q", name)
		}
		s.Fields = append(s.Fields, Field{
			Name:     name,
			Type:     typeOf(ft),
			Required: !nullable && !omitempty,
			Nullable: nullable,
			Help:     sf.Tag.Get("help"),
		})
	}
	return nil
}

func jsonName(sf reflect.StructField) (name string, omitempty bool, skip bool) {
	tag, ok := sf.Tag.Lookup("json")
	if !ok {
		return "", false, false
	}
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	for _, opt := range parts[1:] {
		if opt == "omitempty" || opt == "omitzero" {
			omitempty = true
		}
	}
	return parts[0], omitempty, false
}

func typeOf(t reflect.Type) Type {
	if t == timeType {
		return TypeDateTime
	}
	if t == rawMessageType {
		return TypeAny
	}
	switch t.Kind() {
	case reflect.String:
		return TypeString
	case reflect.Bool:
		return TypeBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInteger
	case reflect.Float32, reflect.Float64:
		return TypeNumber
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return TypeString
		}
		return TypeArray
	case reflect.Array:
		return TypeArray
	case reflect.Map, reflect.Struct:
		return TypeObject
	default:
		return TypeAny
	}
}
