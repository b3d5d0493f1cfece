package locale

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestResolverPrecedence(t *testing.T) {
	r := NewResolver("en", "de", "fr")

	req := httptest.NewRequest("GET", "/orders?lang=fr", nil)
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9")
	assert.Equal(t, language.French, r.Resolve(req))

	req = httptest.NewRequest("GET", "/orders", nil)
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9")
	assert.Equal(t, language.German, r.Resolve(req))

	req = httptest.NewRequest("GET", "/orders?lang=xx", nil)
	req.Header.Set("Accept-Language", "ja")
	assert.Equal(t, language.English, r.Resolve(req))
}

func TestResolverDefaults(t *testing.T) {
	r := NewResolver("not a tag")
	assert.Equal(t, language.English, r.Default())
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithLocale(context.Background(), language.German)
	tag, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, language.German, tag)
}

func TestPrinterTranslatesMessages(t *testing.T) {
	assert.Equal(t, "this field is required", Printer(context.Background()).Sprintf("this field is required"))

	de := Printer(WithLocale(context.Background(), language.German))
	assert.Equal(t, "dieses Feld ist erforderlich", de.Sprintf("this field is required"))
	assert.Equal(t, "dieses Feld muss mindestens 3 Elemente haben", de.Sprintf("ensure this field has at least %d elements", 3))

	fr := Printer(WithLocale(context.Background(), language.MustParse("fr-CA")))
	assert.Equal(t, "ce champ est obligatoire", fr.Sprintf("this field is required"))

	ja := Printer(WithLocale(context.Background(), language.Japanese))
	assert.Equal(t, "a valid number is required", ja.Sprintf("a valid number is required"))
}
