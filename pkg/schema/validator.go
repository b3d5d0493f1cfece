package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/message"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/locale"
)

const dateLayout = "2006-01-02"

// Validate checks data against the schema and returns the normalized bag:
// only declared fields, coerced to their declared types, with defaults
// applied. Header and cookie sourced fields are read from the request
// metadata stored on ctx. Messages follow the locale on ctx. All field problems are reported together in a
// *domain.ValidationError.
func (s *Schema) Validate(ctx context.Context, data domain.DataBag) (domain.DataBag, error) {
	out := make(domain.DataBag, len(s.Fields))
	var problems []domain.FieldError

	meta, _ := domain.RequestMetaFromContext(ctx)
	p := locale.Printer(ctx)
	for _, field := range s.Fields {
		raw, present := lookupRaw(field, data, meta)
		if !present {
			switch {
			case field.Default != nil:
				out[field.Name] = field.Default
			case field.Required:
				problems = append(problems, domain.FieldError{Field: field.Name, Message: p.Sprintf("this field is required")})
			}
			continue
		}

		if raw == nil {
			if field.Nullable {
				out[field.Name] = nil
				continue
			}
			problems = append(problems, domain.FieldError{Field: field.Name, Message: p.Sprintf("this field may not be null")})
			continue
		}

		value, err := coerce(p, field.Type, raw)
		if err != nil {
			problems = append(problems, domain.FieldError{Field: field.Name, Message: err.Error()})
			continue
		}
		if msgs := checkRules(p, field, value); len(msgs) > 0 {
			for _, msg := range msgs {
				problems = append(problems, domain.FieldError{Field: field.Name, Message: msg})
			}
			continue
		}
		out[field.Name] = value
	}

	if len(problems) > 0 {
		return nil, &domain.ValidationError{Unit: s.Name, Fields: problems}
	}
	return out, nil
}

func lookupRaw(field Field, data domain.DataBag, meta domain.RequestMeta) (any, bool) {
	switch field.Source {
	case SourceHeader:
		name := HeaderName(field.Name)
		values, ok := meta.Headers[name]
		if !ok || len(values) == 0 {
			return nil, false
		}
		return values[0], true
	case SourceCookie:
		value, ok := meta.Cookies[field.Name]
		return value, ok
	default:
		value, ok := data[field.Name]
		return value, ok
	}
}

// HeaderName maps a snake_case field name to its canonical header name,
// e.g. x_api_key → X-Api-Key.
func HeaderName(field string) string {
	parts := strings.Split(strings.ReplaceAll(field, "-", "_"), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

func coerce(p *message.Printer, t Type, raw any) (any, error) {
	switch t {
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []string:
			if len(v) == 1 {
				return v[0], nil
			}
		case fmt.Stringer:
			return v.String(), nil
		}
		return nil, errors.New(p.Sprintf("expected %s, got %T", "string", raw))

	case TypeInteger:
		return toInteger(p, raw)

	case TypeNumber:
		return toNumber(p, raw)

	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes", "on":
				return true, nil
			case "false", "0", "no", "off":
				return false, nil
			}
		}
		return nil, errors.New(p.Sprintf("expected boolean, got %v", raw))

	case TypeDate:
		switch v := raw.(type) {
		case time.Time:
			return v.Format(dateLayout), nil
		case string:
			parsed, err := time.Parse(dateLayout, strings.TrimSpace(v))
			if err != nil {
				return nil, errors.New(p.Sprintf("date has wrong format, use YYYY-MM-DD"))
			}
			return parsed.Format(dateLayout), nil
		}
		return nil, errors.New(p.Sprintf("expected %s, got %T", "date", raw))

	case TypeDateTime:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
			if err != nil {
				return nil, errors.New(p.Sprintf("datetime has wrong format, use RFC 3339"))
			}
			return parsed, nil
		}
		return nil, errors.New(p.Sprintf("expected %s, got %T", "datetime", raw))

	case TypeArray:
		switch v := raw.(type) {
		case []any:
			return v, nil
		case []string:
			items := make([]any, len(v))
			for i, s := range v {
				items[i] = s
			}
			return items, nil
		case string:
			return []any{v}, nil
		}
		rv := reflect.ValueOf(raw)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			items := make([]any, rv.Len())
			for i := range items {
				items[i] = rv.Index(i).Interface()
			}
			return items, nil
		}
		return nil, errors.New(p.Sprintf("expected %s, got %T", "array", raw))

	case TypeObject:
		switch v := raw.(type) {
		case map[string]any:
			return v, nil
		case domain.DataBag:
			return map[string]any(v), nil
		case string:
			var obj map[string]any
			if err := json.Unmarshal([]byte(v), &obj); err == nil {
				return obj, nil
			}
		}
		return nil, errors.New(p.Sprintf("expected %s, got %T", "object", raw))

	case TypeAny, "":
		return raw, nil
	}
	return nil, fmt.Errorf("unknown field type %q", t)
}

func toInteger(p *message.Printer, raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return toInteger(p, float64(v))
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, errors.New(p.Sprintf("a valid integer is required"))
		}
		return int64(v), nil
	case json.Number:
		return toInteger(p, v.String())
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, errors.New(p.Sprintf("a valid integer is required"))
		}
		return n, nil
	case []string:
		if len(v) == 1 {
			return toInteger(p, v[0])
		}
	}
	return 0, errors.New(p.Sprintf("a valid integer is required"))
}

func toNumber(p *message.Printer, raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int, int8, int16, int32, int64, uint, uint32:
		n, err := toInteger(p, v)
		return float64(n), err
	case json.Number:
		return v.Float64()
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errors.New(p.Sprintf("a valid number is required"))
		}
		return n, nil
	case []string:
		if len(v) == 1 {
			return toNumber(p, v[0])
		}
	}
	return 0, errors.New(p.Sprintf("a valid number is required"))
}

func checkRules(p *message.Printer, field Field, value any) []string {
	rules := field.Rules
	if rules == nil {
		return nil
	}
	var msgs []string

	length := -1
	switch v := value.(type) {
	case string:
		length = len([]rune(v))
	case []any:
		length = len(v)
	}
	if length >= 0 {
		if rules.MinLength != nil && length < *rules.MinLength {
			msgs = append(msgs, p.Sprintf("ensure this field has at least %d elements", *rules.MinLength))
		}
		if rules.MaxLength != nil && length > *rules.MaxLength {
			msgs = append(msgs, p.Sprintf("ensure this field has no more than %d elements", *rules.MaxLength))
		}
	}

	var num *float64
	switch v := value.(type) {
	case int64:
		f := float64(v)
		num = &f
	case float64:
		num = &v
	}
	if num != nil {
		if rules.Minimum != nil && *num < *rules.Minimum {
			msgs = append(msgs, p.Sprintf("ensure this value is greater than or equal to %v", *rules.Minimum))
		}
		if rules.Maximum != nil && *num > *rules.Maximum {
			msgs = append(msgs, p.Sprintf("ensure this value is less than or equal to %v", *rules.Maximum))
		}
	}

	if len(rules.Choices) > 0 && !containsChoice(rules.Choices, value) {
		msgs = append(msgs, p.Sprintf("%v is not a valid choice", value))
	}
	return msgs
}

func containsChoice(choices []any, value any) bool {
	for _, choice := range choices {
		if fmt.Sprint(choice) == fmt.Sprint(value) {
			return true
		}
	}
	return false
}
