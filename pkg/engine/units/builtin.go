// Package units provides the unit kinds that declarative endpoint files can
// use without Go code: built-in helpers, Rego decisions, JavaScript
// transforms and a caching decorator.
package units

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
)

// Passthrough returns its input unchanged.
func Passthrough(logger *slog.Logger) runtime.Unit {
	if logger == nil {
		logger = slog.Default()
	}
	return runtime.Func("passthrough", func(_ context.Context, data domain.DataBag) (domain.DataBag, error) {
		logger.Debug("passthrough unit executed", "keys", len(data))
		return data, nil
	})
}

// Respond ends the pipeline and answers with the current DataBag.
func Respond(logger *slog.Logger) runtime.Unit {
	if logger == nil {
		logger = slog.Default()
	}
	return runtime.FuncResult("respond", func(_ context.Context, data domain.DataBag) (runtime.Result, error) {
		logger.Debug("respond unit executed", "keys", len(data))
		return runtime.Exit(map[string]any(data.Clone())), nil
	})
}

// Discard drops every key so the request is answered with no content.
func Discard() runtime.Unit {
	return runtime.Func("discard", func(context.Context, domain.DataBag) (domain.DataBag, error) {
		return domain.DataBag{}, nil
	})
}

// Deny fails the request as forbidden.
func Deny(logger *slog.Logger) runtime.Unit {
	if logger == nil {
		logger = slog.Default()
	}
	return runtime.Func("deny", func(ctx context.Context, _ domain.DataBag) (domain.DataBag, error) {
		meta, _ := domain.RequestMetaFromContext(ctx)
		logger.Info("deny unit executed", "endpoint", meta.Endpoint, "method", meta.Method)
		return nil, &domain.DomainError{
			Err:     domain.ErrAuthorizationDenied,
			Code:    "ACCESS_DENIED",
			Message: "Access denied",
		}
	})
}

// maxExactFloatInt is the largest integer a float64 holds exactly.
const maxExactFloatInt = 1 << 53

// normalizeKey maps numeric branch keys coming from Rego or JavaScript onto
// the Go types YAML decoding produces, so that 1 from a script matches the
// integer key 1 of a conditional map.
func normalizeKey(key any) any {
	switch v := key.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
		if f, err := v.Float64(); err == nil {
			return normalizeKey(f)
		}
		return v.String()
	case int64:
		return int(v)
	case int32:
		return int(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) <= maxExactFloatInt {
			return int(v)
		}
		return v
	default:
		return key
	}
}
