// Package rules imports an account's filter and folder keyword rules from a
// YAML document.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/filter"
	payloadschema "horse.fit/newsloom/schema"
)

// Document is the on-disk rules file.
type Document struct {
	AccountID      int64           `yaml:"account_id"`
	FilterRules    []FilterRule    `yaml:"filter_rules"`
	FolderKeywords []FolderKeyword `yaml:"folder_keywords"`
}

type FilterRule struct {
	Pattern  string `yaml:"pattern"`
	Target   string `yaml:"target"`
	Match    string `yaml:"match"`
	Mode     string `yaml:"mode"`
	Breakout bool   `yaml:"breakout"`
	FeedID   *int64 `yaml:"feed_id"`
	Folder   string `yaml:"folder"`
}

type FolderKeyword struct {
	Folder  string `yaml:"folder"`
	Pattern string `yaml:"pattern"`
	Regex   bool   `yaml:"regex"`
}

// Parse decodes and validates a rules document. Every rule is checked before
// anything is returned, so a bad document never partially applies.
func Parse(raw []byte) (Document, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return Document{}, fmt.Errorf("decode rules yaml: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return Document{}, fmt.Errorf("rules document is not JSON compatible: %w", err)
	}
	if _, err := payloadschema.Validate(payloadschema.RulesSchema, asJSON); err != nil {
		return Document{}, err
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode rules yaml: %w", err)
	}
	for i, r := range doc.FilterRules {
		if err := r.toFilter(0, nil).Validate(); err != nil {
			return Document{}, fmt.Errorf("filter_rules[%d]: %w", i, err)
		}
		if r.Match == string(filter.MatchRegex) {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return Document{}, fmt.Errorf("filter_rules[%d]: invalid regex: %w", i, err)
			}
		}
	}
	for i, k := range doc.FolderKeywords {
		if k.Regex {
			if _, err := regexp.Compile(k.Pattern); err != nil {
				return Document{}, fmt.Errorf("folder_keywords[%d]: invalid regex: %w", i, err)
			}
		}
	}
	return doc, nil
}

func (r FilterRule) toFilter(position int, folderID *int64) filter.Rule {
	target := r.Target
	if target == "" {
		target = string(filter.TargetKeyword)
	}
	match := r.Match
	if match == "" {
		match = string(filter.MatchPhrase)
	}
	return filter.Rule{
		Pattern:   strings.TrimSpace(r.Pattern),
		Target:    filter.Target(target),
		MatchType: filter.MatchType(match),
		Mode:      filter.Mode(r.Mode),
		Breakout:  r.Breakout,
		FeedID:    r.FeedID,
		FolderID:  folderID,
		Position:  position,
	}
}

type Store interface {
	EnsureFolder(ctx context.Context, accountID int64, name string) (int64, error)
	ReplaceFilterRules(ctx context.Context, accountID int64, rules []db.FilterRuleParams) (int, error)
	ReplaceFolderKeywordRules(ctx context.Context, accountID int64, rules []db.FolderKeywordRuleParams) (int, error)
}

// Summary reports what an import replaced.
type Summary struct {
	AccountID      int64 `json:"account_id"`
	FilterRules    int   `json:"filter_rules"`
	FolderKeywords int   `json:"folder_keywords"`
	Folders        int   `json:"folders"`
}

// Import replaces the account's rule sets with doc. Positions follow
// document order.
func Import(ctx context.Context, store Store, doc Document) (Summary, error) {
	summary := Summary{AccountID: doc.AccountID}
	folders := map[string]int64{}
	folderID := func(name string) (*int64, error) {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, nil
		}
		if id, ok := folders[name]; ok {
			return &id, nil
		}
		id, err := store.EnsureFolder(ctx, doc.AccountID, name)
		if err != nil {
			return nil, err
		}
		folders[name] = id
		return &id, nil
	}

	filters := make([]db.FilterRuleParams, 0, len(doc.FilterRules))
	for i, r := range doc.FilterRules {
		folder, err := folderID(r.Folder)
		if err != nil {
			return summary, err
		}
		rule := r.toFilter(i, folder)
		filters = append(filters, db.FilterRuleParams{
			Pattern:   rule.Pattern,
			Target:    string(rule.Target),
			MatchType: string(rule.MatchType),
			Mode:      string(rule.Mode),
			Breakout:  rule.Breakout,
			FeedID:    rule.FeedID,
			FolderID:  rule.FolderID,
			Position:  rule.Position,
		})
	}

	keywords := make([]db.FolderKeywordRuleParams, 0, len(doc.FolderKeywords))
	for i, k := range doc.FolderKeywords {
		folder, err := folderID(k.Folder)
		if err != nil {
			return summary, err
		}
		keywords = append(keywords, db.FolderKeywordRuleParams{
			FolderID: *folder,
			Pattern:  strings.TrimSpace(k.Pattern),
			IsRegex:  k.Regex,
			Position: i,
		})
	}

	n, err := store.ReplaceFilterRules(ctx, doc.AccountID, filters)
	if err != nil {
		return summary, err
	}
	summary.FilterRules = n
	n, err = store.ReplaceFolderKeywordRules(ctx, doc.AccountID, keywords)
	if err != nil {
		return summary, err
	}
	summary.FolderKeywords = n
	summary.Folders = len(folders)
	return summary, nil
}
