package locale

import (
	"context"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Translations of the validation messages, keyed by their English text.
// English needs no entries: an unknown key is printed as is.
var translations = map[language.Tag]map[string]string{
	language.German: {
		"this field is required":                           "dieses Feld ist erforderlich",
		"this field may not be null":                       "dieses Feld darf nicht null sein",
		"expected %s, got %T":                              "%s erwartet, %T erhalten",
		"expected boolean, got %v":                         "Wahrheitswert erwartet, %v erhalten",
		"a valid integer is required":                      "eine gültige Ganzzahl ist erforderlich",
		"a valid number is required":                       "eine gültige Zahl ist erforderlich",
		"date has wrong format, use YYYY-MM-DD":            "Datum hat das falsche Format, verwenden Sie JJJJ-MM-TT",
		"datetime has wrong format, use RFC 3339":          "Zeitstempel hat das falsche Format, verwenden Sie RFC 3339",
		"ensure this field has at least %d elements":       "dieses Feld muss mindestens %d Elemente haben",
		"ensure this field has no more than %d elements":   "dieses Feld darf höchstens %d Elemente haben",
		"ensure this value is greater than or equal to %v": "dieser Wert muss größer oder gleich %v sein",
		"ensure this value is less than or equal to %v":    "dieser Wert muss kleiner oder gleich %v sein",
		"%v is not a valid choice":                         "%v ist keine gültige Auswahl",
	},
	language.French: {
		"this field is required":                           "ce champ est obligatoire",
		"this field may not be null":                       "ce champ ne peut pas être nul",
		"expected %s, got %T":                              "%s attendu, %T reçu",
		"expected boolean, got %v":                         "booléen attendu, %v reçu",
		"a valid integer is required":                      "un nombre entier valide est requis",
		"a valid number is required":                       "un nombre valide est requis",
		"date has wrong format, use YYYY-MM-DD":            "la date n'a pas le bon format, utilisez AAAA-MM-JJ",
		"datetime has wrong format, use RFC 3339":          "l'horodatage n'a pas le bon format, utilisez RFC 3339",
		"ensure this field has at least %d elements":       "ce champ doit contenir au moins %d éléments",
		"ensure this field has no more than %d elements":   "ce champ ne doit pas contenir plus de %d éléments",
		"ensure this value is greater than or equal to %v": "cette valeur doit être supérieure ou égale à %v",
		"ensure this value is less than or equal to %v":    "cette valeur doit être inférieure ou égale à %v",
		"%v is not a valid choice":                         "%v n'est pas un choix valide",
	},
}

var messages = newCatalog()

func newCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, entries := range translations {
		for key, msg := range entries {
			if err := b.SetString(tag, key, msg); err != nil {
				panic(err)
			}
		}
	}
	return b
}

// Printer returns a message printer for the locale stored on ctx, English
// when none is set.
func Printer(ctx context.Context) *message.Printer {
	tag, ok := FromContext(ctx)
	if !ok {
		tag = language.English
	}
	return message.NewPrinter(tag, message.Catalog(messages))
}
