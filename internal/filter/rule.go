// Package filter evaluates mute, block and keep rules against items and
// cluster representatives.
package filter

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeMute  Mode = "mute"
	ModeBlock Mode = "block"
	ModeKeep  Mode = "keep"
)

type Target string

const (
	TargetKeyword Target = "keyword"
	TargetAuthor  Target = "author"
	TargetDomain  Target = "domain"
	TargetURL     Target = "url"
)

type MatchType string

const (
	MatchPhrase MatchType = "phrase"
	MatchRegex  MatchType = "regex"
)

// Rule is one user-defined filter. A rule without FeedID and FolderID is global.
type Rule struct {
	ID        int64
	Pattern   string
	Target    Target
	MatchType MatchType
	Mode      Mode
	Breakout  bool
	FeedID    *int64
	FolderID  *int64
	Position  int
}

func (r Rule) Validate() error {
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("filter rule pattern is required")
	}
	switch r.Target {
	case TargetKeyword, TargetAuthor, TargetDomain, TargetURL:
	default:
		return fmt.Errorf("unsupported filter target %q", r.Target)
	}
	switch r.MatchType {
	case MatchPhrase, MatchRegex:
	default:
		return fmt.Errorf("unsupported match type %q", r.MatchType)
	}
	switch r.Mode {
	case ModeMute, ModeBlock, ModeKeep:
	default:
		return fmt.Errorf("unsupported filter mode %q", r.Mode)
	}
	if r.Breakout && r.Mode != ModeMute {
		return fmt.Errorf("breakout is only supported on mute rules")
	}
	if r.MatchType == MatchRegex && len(r.Pattern) > MaxPatternLength {
		return fmt.Errorf("regex pattern exceeds %d bytes", MaxPatternLength)
	}
	return nil
}

func (r Rule) inScope(item Item) bool {
	if r.FeedID == nil && r.FolderID == nil {
		return true
	}
	if r.FeedID != nil && *r.FeedID == item.FeedID {
		return true
	}
	if r.FolderID != nil && item.FolderID != nil && *r.FolderID == *item.FolderID {
		return true
	}
	return false
}
