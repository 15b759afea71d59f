package language

import "testing"

func TestNormalizeCode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		" EN-us ": "en",
		"en_GB":   "en",
		"zh-Hans": "zh",
		"de":      "de",
		"deu":     "de",
		"FRA":     "fr",
		"en--US":  "en",
		"en_123":  "",
		"qqq":     "",
		"english": "",
		" ":       "",
	}
	for raw, want := range cases {
		if got := NormalizeCode(raw); got != want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", raw, got, want)
		}
	}
}
