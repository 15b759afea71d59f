// Package similarity extracts the lexical fingerprints used to cluster items.
package similarity

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/spaolacci/murmur3"
)

const (
	highSeed uint32 = 0x9747b28c
	lowSeed  uint32 = 0x5bd1e995
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "he": {}, "her": {}, "his": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "she": {}, "that": {}, "the": {},
	"their": {}, "they": {}, "this": {}, "to": {}, "was": {}, "were": {}, "will": {}, "with": {},
	"we": {}, "you": {}, "your": {}, "not": {}, "after": {}, "over": {}, "about": {}, "into": {},
	"than": {}, "then": {}, "been": {}, "can": {}, "new": {}, "says": {}, "said": {}, "more": {},
	"up": {}, "out": {}, "so": {}, "if": {}, "no": {}, "do": {}, "how": {}, "what": {}, "why": {},
	"who": {}, "when": {}, "which": {}, "all": {}, "would": {}, "could": {}, "just": {},
}

// Features is the per-item fingerprint consumed by the clustering engine.
type Features struct {
	Tokens  []string
	Set     map[string]struct{}
	Simhash uint64
}

// Extract tokenizes title and summary together.
func Extract(title, summary string) Features {
	tokens := Tokenize(title + " " + summary)
	return Features{
		Tokens:  tokens,
		Set:     TokenSet(tokens),
		Simhash: Simhash(tokens),
	}
}

// Tokenize lowercases text, replaces non-alphanumerics with spaces and drops
// single-character tokens and stop words.
func Tokenize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	lowered := strings.ToLower(text)
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return ' '
	}, lowered)

	fields := strings.Fields(cleaned)
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if len([]rune(field)) < 2 {
			continue
		}
		if _, stop := stopWords[field]; stop {
			continue
		}
		tokens = append(tokens, field)
	}
	return tokens
}

// TokenSet returns the distinct tokens.
func TokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

// HashToken64 concatenates two independently seeded 32-bit murmur3 hashes.
func HashToken64(token string) uint64 {
	data := []byte(token)
	high := murmur3.Sum32WithSeed(data, highSeed)
	low := murmur3.Sum32WithSeed(data, lowSeed)
	return uint64(high)<<32 | uint64(low)
}

// Simhash accumulates a signed vote per bit over all tokens; a bit is set when
// its vote is positive. An empty token list hashes to zero.
func Simhash(tokens []string) uint64 {
	if len(tokens) == 0 {
		return 0
	}

	var votes [64]int
	for _, token := range tokens {
		h := HashToken64(token)
		for bit := 0; bit < 64; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				votes[bit]++
			} else {
				votes[bit]--
			}
		}
	}

	var result uint64
	for bit := 0; bit < 64; bit++ {
		if votes[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return result
}

func HammingDistance(left, right uint64) int {
	return bits.OnesCount64(left ^ right)
}

// Jaccard is |A∩B| / |A∪B|; two empty sets score zero.
func Jaccard(left, right map[string]struct{}) float64 {
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	small, large := left, right
	if len(small) > len(large) {
		small, large = large, small
	}

	intersection := 0
	for token := range small {
		if _, ok := large[token]; ok {
			intersection++
		}
	}
	if intersection == 0 {
		return 0
	}
	union := len(left) + len(right) - intersection
	return float64(intersection) / float64(union)
}
