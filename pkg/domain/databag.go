package domain

import (
	"context"
	"net/http"
	"sort"
)

// DataBag is the per-request state threaded through a pipeline. Each step
// consumes one DataBag and produces the next; the key set may differ at every
// stage. A nil DataBag is treated as empty.
type DataBag map[string]any

// Clone returns a shallow copy so that concurrent readers never share the
// same map instance.
func (b DataBag) Clone() DataBag {
	out := make(DataBag, len(b))
	for key, value := range b {
		out[key] = value
	}
	return out
}

// Merge copies every entry of other into b, overwriting colliding keys, and
// returns b. A nil receiver allocates a fresh bag.
func (b DataBag) Merge(other DataBag) DataBag {
	if b == nil {
		b = make(DataBag, len(other))
	}
	for key, value := range other {
		b[key] = value
	}
	return b
}

// Keys returns the bag's keys in sorted order.
func (b DataBag) Keys() []string {
	keys := make([]string, 0, len(b))
	for key := range b {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether the bag carries no entries.
func (b DataBag) IsEmpty() bool {
	return len(b) == 0
}

// RequestMeta exposes the transport details that validation units may read
// values from (headers and cookies), without handing them the raw request.
type RequestMeta struct {
	RequestID string
	Endpoint  string // route pattern the request matched
	Method    string
	Path      string
	Headers   http.Header
	Cookies   map[string]string
	Locale    string
}

type requestMetaContextKey struct{}

// WithRequestMeta stores request metadata on the context.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaContextKey{}, meta)
}

// RequestMetaFromContext returns the request metadata stored by the adapter.
func RequestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	if ctx == nil {
		return RequestMeta{}, false
	}
	meta, ok := ctx.Value(requestMetaContextKey{}).(RequestMeta)
	return meta, ok
}
