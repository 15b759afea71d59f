package filter

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"horse.fit/newsloom/internal/urlnorm"
)

const (
	MaxPatternLength = 512
	MaxMatchInput    = 4096
)

// DefaultSeverityPattern marks stories that break through a mute rule.
const DefaultSeverityPattern = `(?i)\b(hack(ed|s)?|breach(ed|es)?|outage|exploit(ed|s)?|vulnerabilit(y|ies)|ransomware|leak(ed|s)?|zero[- ]day|compromised|recall(ed|s)?|emergency|critical)\b`

// regexCache memoizes compiled patterns. Invalid or oversized patterns are
// cached as nil and never match.
type regexCache struct {
	mu    sync.Mutex
	items map[string]*regexp.Regexp
}

func newRegexCache() *regexCache {
	return &regexCache{items: make(map[string]*regexp.Regexp)}
}

func (c *regexCache) get(pattern string) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.items[pattern]; ok {
		return re
	}
	var compiled *regexp.Regexp
	if len(pattern) <= MaxPatternLength {
		if re, err := regexp.Compile("(?i)" + pattern); err == nil {
			compiled = re
		}
	}
	c.items[pattern] = compiled
	return compiled
}

func (c *regexCache) match(pattern, input string) bool {
	re := c.get(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(truncateInput(input))
}

func truncateInput(input string) string {
	if len(input) <= MaxMatchInput {
		return input
	}
	cut := MaxMatchInput
	for cut > 0 && !utf8.RuneStart(input[cut]) {
		cut--
	}
	return input[:cut]
}

// phraseKey lowercases and collapses non-alphanumerics so phrases match on
// whole words only.
func phraseKey(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(fields) == 0 {
		return ""
	}
	return " " + strings.Join(fields, " ") + " "
}

func containsPhrase(haystack, phrase string) bool {
	needle := phraseKey(phrase)
	if needle == "" {
		return false
	}
	return strings.Contains(phraseKey(truncateInput(haystack)), needle)
}

func domainMatches(host, pattern string) bool {
	pattern = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(pattern)), "www.")
	pattern = strings.Trim(pattern, ".")
	if host == "" || pattern == "" {
		return false
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

func (e *Engine) matches(rule Rule, item Item) bool {
	switch rule.Target {
	case TargetKeyword:
		text := item.Title + "\n" + item.Summary
		if rule.MatchType == MatchRegex {
			return e.regexes.match(rule.Pattern, text)
		}
		return containsPhrase(text, rule.Pattern)
	case TargetAuthor:
		if strings.TrimSpace(item.Author) == "" {
			return false
		}
		if rule.MatchType == MatchRegex {
			return e.regexes.match(rule.Pattern, item.Author)
		}
		return containsPhrase(item.Author, rule.Pattern)
	case TargetDomain:
		host := urlnorm.Host(item.URL)
		if rule.MatchType == MatchRegex {
			return host != "" && e.regexes.match(rule.Pattern, host)
		}
		return domainMatches(host, rule.Pattern)
	case TargetURL:
		canonical := urlnorm.Canonicalize(item.URL)
		if rule.MatchType == MatchRegex {
			return e.regexes.match(rule.Pattern, canonical)
		}
		needle := strings.ToLower(strings.TrimSpace(rule.Pattern))
		return needle != "" && strings.Contains(strings.ToLower(canonical), needle)
	}
	return false
}

// TextMatcher applies the same bounded phrase and regex matching the rule
// engine uses to arbitrary text. It is safe for concurrent use.
type TextMatcher struct {
	regexes *regexCache
}

func NewTextMatcher() *TextMatcher {
	return &TextMatcher{regexes: newRegexCache()}
}

func (m *TextMatcher) Match(pattern string, regex bool, text string) bool {
	if regex {
		return m.regexes.match(pattern, text)
	}
	return containsPhrase(text, pattern)
}
