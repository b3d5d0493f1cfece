// Package locale resolves the language of a request and carries it through
// the context so units can format messages without global state.
package locale

import (
	"context"
	"net/http"

	"golang.org/x/text/language"
)

// QueryParam is the query parameter that overrides Accept-Language.
const QueryParam = "lang"

type contextKey struct{}

// Resolver picks the best supported language for a request.
type Resolver struct {
	supported []language.Tag
	matcher   language.Matcher
}

// NewResolver builds a resolver over the supported language tags. The first
// tag is the default. Invalid tags are skipped; with no valid tag the
// resolver answers English.
func NewResolver(supported ...string) *Resolver {
	tags := make([]language.Tag, 0, len(supported))
	for _, raw := range supported {
		tag, err := language.Parse(raw)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		tags = append(tags, language.English)
	}
	return &Resolver{supported: tags, matcher: language.NewMatcher(tags)}
}

// Default returns the fallback language.
func (r *Resolver) Default() language.Tag {
	return r.supported[0]
}

// Resolve chooses the language from the lang query parameter, then the
// Accept-Language header, then the default.
func (r *Resolver) Resolve(req *http.Request) language.Tag {
	if lang := req.URL.Query().Get(QueryParam); lang != "" {
		if tag, ok := r.match(lang); ok {
			return tag
		}
	}
	if accept := req.Header.Get("Accept-Language"); accept != "" {
		if tag, ok := r.match(accept); ok {
			return tag
		}
	}
	return r.Default()
}

func (r *Resolver) match(preference string) (language.Tag, bool) {
	tags, _, err := language.ParseAcceptLanguage(preference)
	if err != nil || len(tags) == 0 {
		return language.Und, false
	}
	_, index, confidence := r.matcher.Match(tags...)
	if confidence == language.No {
		return language.Und, false
	}
	return r.supported[index], true
}

// WithLocale stores tag on ctx.
func WithLocale(ctx context.Context, tag language.Tag) context.Context {
	return context.WithValue(ctx, contextKey{}, tag)
}

// FromContext returns the locale stored on ctx and whether one was set.
func FromContext(ctx context.Context) (language.Tag, bool) {
	tag, ok := ctx.Value(contextKey{}).(language.Tag)
	return tag, ok
}
