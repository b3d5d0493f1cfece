package schema

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/locale"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestValidateKeepsOnlyDeclaredFieldsAndCoerces(t *testing.T) {
	s := &Schema{Name: "order", Fields: []Field{
		{Name: "id", Type: TypeInteger, Required: true},
		{Name: "price", Type: TypeNumber},
		{Name: "paid", Type: TypeBoolean},
		{Name: "placed", Type: TypeDate},
		{Name: "tags", Type: TypeArray},
		{Name: "currency", Type: TypeString, Default: "EUR"},
	}}

	out, err := s.Validate(context.Background(), domain.DataBag{
		"id":     "42",
		"price":  "9.5",
		"paid":   "true",
		"placed": "2024-03-01",
		"tags":   []string{"a", "b"},
		"extra":  "dropped",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DataBag{
		"id":       int64(42),
		"price":    9.5,
		"paid":     true,
		"placed":   "2024-03-01",
		"tags":     []any{"a", "b"},
		"currency": "EUR",
	}, out)
}

func TestValidateReportsEveryFieldProblem(t *testing.T) {
	s := &Schema{Name: "signup", Fields: []Field{
		{Name: "email", Type: TypeString, Required: true},
		{Name: "age", Type: TypeInteger, Rules: &Rules{Minimum: floatPtr(18)}},
		{Name: "nick", Type: TypeString, Rules: &Rules{MaxLength: intPtr(3)}},
		{Name: "plan", Type: TypeString, Rules: &Rules{Choices: []any{"free", "pro"}}},
		{Name: "note", Type: TypeString},
	}}

	_, err := s.Validate(context.Background(), domain.DataBag{
		"age":  12,
		"nick": "toolong",
		"plan": "gold",
		"note": nil,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	fields := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	assert.Equal(t, []string{"email", "age", "nick", "plan", "note"}, fields)
}

func TestValidateLocalizesMessages(t *testing.T) {
	s := &Schema{Name: "signup", Fields: []Field{
		{Name: "email", Type: TypeString, Required: true},
		{Name: "age", Type: TypeInteger, Rules: &Rules{Minimum: floatPtr(18)}},
	}}

	messages := func(ctx context.Context) map[string]string {
		_, err := s.Validate(ctx, domain.DataBag{"age": 12})
		var verr *domain.ValidationError
		require.True(t, errors.As(err, &verr))
		out := map[string]string{}
		for _, f := range verr.Fields {
			out[f.Field] = f.Message
		}
		return out
	}

	assert.Equal(t, map[string]string{
		"email": "this field is required",
		"age":   "ensure this value is greater than or equal to 18",
	}, messages(context.Background()))

	assert.Equal(t, map[string]string{
		"email": "dieses Feld ist erforderlich",
		"age":   "dieser Wert muss größer oder gleich 18 sein",
	}, messages(locale.WithLocale(context.Background(), language.German)))
}

func TestValidateReadsHeadersAndCookies(t *testing.T) {
	s := &Schema{Fields: []Field{
		{Name: "x_api_key", Type: TypeString, Required: true, Source: SourceHeader},
		{Name: "session", Type: TypeString, Required: true, Source: SourceCookie},
	}}
	ctx := domain.WithRequestMeta(context.Background(), domain.RequestMeta{
		Headers: http.Header{"X-Api-Key": {"secret"}},
		Cookies: map[string]string{"session": "abc"},
	})

	out, err := s.Validate(ctx, domain.DataBag{"x_api_key": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, domain.DataBag{"x_api_key": "secret", "session": "abc"}, out)
}

func TestHeaderName(t *testing.T) {
	assert.Equal(t, "X-Api-Key", HeaderName("x_api_key"))
	assert.Equal(t, "Authorization", HeaderName("authorization"))
}

type inferredInput struct {
	ID       int               `json:"id"`
	Name     string            `json:"name" help:"display name"`
	Note     *string           `json:"note"`
	Tags     []string          `json:"tags,omitempty"`
	At       time.Time         `json:"at"`
	Meta     map[string]string `json:"meta,omitempty"`
	Internal string            `json:"-"`
	hidden   string
}

func TestFromTypeInfersFields(t *testing.T) {
	s, err := FromType(reflect.TypeOf(&inferredInput{}))
	require.NoError(t, err)
	_ = inferredInput{}.hidden

	assert.Equal(t, "inferredInput", s.Name)
	assert.Equal(t, []string{"id", "name", "note", "tags", "at", "meta"}, s.Names())

	id, _ := s.Lookup("id")
	assert.Equal(t, Field{Name: "id", Type: TypeInteger, Required: true}, id)

	name, _ := s.Lookup("name")
	assert.Equal(t, "display name", name.Help)

	note, _ := s.Lookup("note")
	assert.False(t, note.Required)
	assert.True(t, note.Nullable)

	tags, _ := s.Lookup("tags")
	assert.Equal(t, TypeArray, tags.Type)
	assert.False(t, tags.Required)

	at, _ := s.Lookup("at")
	assert.Equal(t, TypeDateTime, at.Type)
}

func TestFromTypeRejectsNonStruct(t *testing.T) {
	_, err := FromType(reflect.TypeOf(3))
	assert.Error(t, err)

	s, err := For[map[string]any]()
	assert.Nil(t, s)
	assert.Error(t, err)
}

func TestFromSpec(t *testing.T) {
	s, err := FromSpec(domain.ValidationSpec{
		Name: "lookup",
		Fields: []domain.FieldSpec{
			{Name: "q", Required: true, MinLength: intPtr(2)},
			{Name: "limit", Type: "integer", Default: 10, Max: floatPtr(100)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeString, s.Fields[0].Type)
	assert.Equal(t, SourceBody, s.Fields[0].Source)
	require.NotNil(t, s.Fields[1].Rules)

	_, err = FromSpec(domain.ValidationSpec{Fields: []domain.FieldSpec{{Name: "x", Type: "uuid"}}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = FromSpec(domain.ValidationSpec{Fields: []domain.FieldSpec{{Name: "x"}, {Name: "x"}}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
