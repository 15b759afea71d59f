// Package langdetect guesses the language of article text.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

const (
	minLetters    = 12
	maxSampleSize = 2000
)

var defaultLanguages = []lingua.Language{
	lingua.English,
	lingua.German,
	lingua.French,
	lingua.Spanish,
	lingua.Portuguese,
	lingua.Italian,
	lingua.Dutch,
	lingua.Swedish,
	lingua.Polish,
	lingua.Russian,
	lingua.Ukrainian,
	lingua.Turkish,
	lingua.Japanese,
	lingua.Chinese,
	lingua.Korean,
	lingua.Arabic,
}

// Detector wraps a lingua detector built lazily on first use.
type Detector struct {
	languages []lingua.Language
	once      sync.Once
	detector  lingua.LanguageDetector
}

// New builds a detector limited to the given languages, or a default set of
// widely published news languages when none are given.
func New(languages ...lingua.Language) *Detector {
	if len(languages) < 2 {
		languages = defaultLanguages
	}
	return &Detector{languages: languages}
}

// DetectISO6391 returns a lowercase two-letter code, or "" when the sample is
// too short or no language is confidently detected.
func (d *Detector) DetectISO6391(text string) string {
	sample := sampleText(text)
	if sample == "" {
		return ""
	}

	language, ok := d.get().DetectLanguageOf(sample)
	if !ok {
		return ""
	}
	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func (d *Detector) get() lingua.LanguageDetector {
	d.once.Do(func() {
		d.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(d.languages...).
			WithMinimumRelativeDistance(0.1).
			Build()
	})
	return d.detector
}

func sampleText(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}
	if runes := []rune(sample); len(runes) > maxSampleSize {
		sample = string(runes[:maxSampleSize])
	}

	letters := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < minLetters {
		return ""
	}
	return sample
}
