// Package weight defines the per-feed source weight used to rank representatives
// and digest entries.
package weight

import "strings"

type Weight string

const (
	Prefer       Weight = "prefer"
	Neutral      Weight = "neutral"
	Deprioritize Weight = "deprioritize"
)

// Rank orders weights prefer > neutral > deprioritize. Unknown values rank as neutral.
func (w Weight) Rank() int {
	switch w {
	case Prefer:
		return 2
	case Deprioritize:
		return 0
	default:
		return 1
	}
}

func Parse(raw string) Weight {
	switch Weight(strings.ToLower(strings.TrimSpace(raw))) {
	case Prefer:
		return Prefer
	case Deprioritize:
		return Deprioritize
	default:
		return Neutral
	}
}

// Outranks is true only when w is strictly higher than other.
func (w Weight) Outranks(other Weight) bool {
	return w.Rank() > other.Rank()
}
