package rules

import (
	"context"
	"strings"
	"testing"

	"horse.fit/newsloom/internal/db"
)

const sampleDoc = `
account_id: 3
filter_rules:
  - pattern: roblox
    mode: mute
    breakout: true
  - pattern: "(?i)crypto ?pump"
    match: regex
    mode: block
    folder: Tech
  - pattern: example.com
    target: domain
    mode: keep
    feed_id: 12
folder_keywords:
  - folder: Tech
    pattern: kubernetes
  - folder: Science
    pattern: "exo-?planet"
    regex: true
`

type recordingStore struct {
	folders  map[string]int64
	filters  []db.FilterRuleParams
	keywords []db.FolderKeywordRuleParams
}

func (s *recordingStore) EnsureFolder(_ context.Context, _ int64, name string) (int64, error) {
	if s.folders == nil {
		s.folders = map[string]int64{}
	}
	if id, ok := s.folders[name]; ok {
		return id, nil
	}
	id := int64(100 + len(s.folders))
	s.folders[name] = id
	return id, nil
}

func (s *recordingStore) ReplaceFilterRules(_ context.Context, _ int64, rules []db.FilterRuleParams) (int, error) {
	s.filters = rules
	return len(rules), nil
}

func (s *recordingStore) ReplaceFolderKeywordRules(_ context.Context, _ int64, rules []db.FolderKeywordRuleParams) (int, error) {
	s.keywords = rules
	return len(rules), nil
}

func TestParseAndImport(t *testing.T) {
	t.Parallel()

	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	store := &recordingStore{}
	summary, err := Import(context.Background(), store, doc)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if summary.FilterRules != 3 || summary.FolderKeywords != 2 || summary.Folders != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	first := store.filters[0]
	if first.Target != "keyword" || first.MatchType != "phrase" || !first.Breakout || first.Position != 0 {
		t.Fatalf("expected defaults applied to first rule, got %+v", first)
	}
	if store.filters[1].FolderID == nil || *store.filters[1].FolderID != store.folders["Tech"] {
		t.Fatalf("expected folder resolved for second rule, got %+v", store.filters[1])
	}
	if store.filters[2].FeedID == nil || *store.filters[2].FeedID != 12 {
		t.Fatalf("expected feed scope kept, got %+v", store.filters[2])
	}
	if store.keywords[0].FolderID != store.folders["Tech"] || !store.keywords[1].IsRegex {
		t.Fatalf("unexpected keyword rules: %+v", store.keywords)
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown mode":      "account_id: 1\nfilter_rules:\n  - pattern: x\n    mode: hide\n",
		"missing account":   "filter_rules: []\n",
		"unknown field":     "account_id: 1\nextra: true\n",
		"breakout on block": "account_id: 1\nfilter_rules:\n  - pattern: x\n    mode: block\n    breakout: true\n",
		"bad regex":         "account_id: 1\nfilter_rules:\n  - pattern: \"(\"\n    match: regex\n    mode: mute\n",
		"bad keyword regex": "account_id: 1\nfolder_keywords:\n  - folder: A\n    pattern: \"[\"\n    regex: true\n",
		"not a mapping":     "- 1\n- 2\n",
		"malformed yaml":    "account_id: [1\n",
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseErrorNamesRule(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("account_id: 1\nfilter_rules:\n  - pattern: ok\n    mode: mute\n  - pattern: \"(\"\n    match: regex\n    mode: mute\n"))
	if err == nil || !strings.Contains(err.Error(), "filter_rules[1]") {
		t.Fatalf("expected error naming filter_rules[1], got %v", err)
	}
}
