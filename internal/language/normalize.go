// Package language maps declared language tags to ISO 639-1 codes.
package language

import (
	"strings"
	"sync"

	lingua "github.com/pemistahl/lingua-go"
)

var (
	alpha3Once sync.Once
	alpha3     map[string]string
)

// NormalizeCode maps tags such as "en-US", "EN_gb" or "deu" to a lowercase
// two-letter code. Malformed or unknown tags yield "".
func NormalizeCode(raw string) string {
	primary, ok := primarySubtag(raw)
	if !ok {
		return ""
	}
	switch len(primary) {
	case 2:
		return primary
	case 3:
		return fromAlpha3(primary)
	default:
		return ""
	}
}

// primarySubtag returns the first subtag of a BCP 47 style tag. Any subtag
// with characters outside a-z makes the whole tag invalid.
func primarySubtag(raw string) (string, bool) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if tag == "" {
		return "", false
	}
	parts := strings.FieldsFunc(tag, func(r rune) bool { return r == '-' || r == '_' })
	if len(parts) == 0 {
		return "", false
	}
	for _, part := range parts {
		for _, r := range part {
			if r < 'a' || r > 'z' {
				return "", false
			}
		}
	}
	return parts[0], true
}

func fromAlpha3(code string) string {
	alpha3Once.Do(func() {
		languages := lingua.AllLanguages()
		alpha3 = make(map[string]string, len(languages))
		for _, l := range languages {
			two := strings.ToLower(l.IsoCode639_1().String())
			three := strings.ToLower(l.IsoCode639_3().String())
			if len(two) == 2 && len(three) == 3 {
				alpha3[three] = two
			}
		}
	})
	return alpha3[code]
}
