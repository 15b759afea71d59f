package cluster

import (
	"sort"
	"strings"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/filter"
)

// KeywordRule routes matching items to a folder.
type KeywordRule struct {
	ID       int64
	FolderID int64
	Pattern  string
	IsRegex  bool
	Position int
}

// Classifier picks a folder for a new cluster from keyword rules, first match
// in declared order.
type Classifier struct {
	rules   []KeywordRule
	matcher *filter.TextMatcher
}

func NewClassifier(rules []KeywordRule) *Classifier {
	ordered := make([]KeywordRule, 0, len(rules))
	for _, rule := range rules {
		if strings.TrimSpace(rule.Pattern) != "" {
			ordered = append(ordered, rule)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Position != ordered[j].Position {
			return ordered[i].Position < ordered[j].Position
		}
		return ordered[i].ID < ordered[j].ID
	})
	return &Classifier{rules: ordered, matcher: filter.NewTextMatcher()}
}

func classifierFromRows(rows []db.FolderKeywordRuleRow) *Classifier {
	rules := make([]KeywordRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, KeywordRule{
			ID:       row.RuleID,
			FolderID: row.FolderID,
			Pattern:  row.Pattern,
			IsRegex:  row.IsRegex,
			Position: row.Position,
		})
	}
	return NewClassifier(rules)
}

// Classify returns the folder of the first matching rule, or fallback.
func (c *Classifier) Classify(text string, fallback *int64) *int64 {
	if c == nil {
		return fallback
	}
	for _, rule := range c.rules {
		if c.matcher.Match(rule.Pattern, rule.IsRegex, text) {
			folderID := rule.FolderID
			return &folderID
		}
	}
	return fallback
}
