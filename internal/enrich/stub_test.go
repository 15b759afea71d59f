package enrich

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"horse.fit/newsloom/internal/ai"
	"horse.fit/newsloom/internal/db"
)

type memoryStore struct {
	mu         sync.Mutex
	heroes     map[int64]string
	fullTexts  map[int64]string
	languages  map[int64]string
	summaries  map[int64]string
	relevance  map[int64]string
	topics     map[int64]string
	suggested  []string
	known      []db.TopicRow
	recent     []db.ItemRecord
	drift      *bool
	driftRatio float64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		heroes:    map[int64]string{},
		fullTexts: map[int64]string{},
		languages: map[int64]string{},
		summaries: map[int64]string{},
		relevance: map[int64]string{},
		topics:    map[int64]string{},
	}
}

func (s *memoryStore) SetItemHeroImage(_ context.Context, itemID int64, imageURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heroes[itemID] = imageURL
	return nil
}

func (s *memoryStore) SetItemFullText(_ context.Context, itemID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullTexts[itemID] = text
	return nil
}

func (s *memoryStore) SetItemLanguage(_ context.Context, itemID int64, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages[itemID] = language
	return nil
}

func (s *memoryStore) SetItemAISummary(_ context.Context, itemID int64, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[itemID] = summary
	return nil
}

func (s *memoryStore) SetItemRelevance(_ context.Context, itemID int64, _ float64, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relevance[itemID] = label
	return nil
}

func (s *memoryStore) SetClusterTopic(_ context.Context, clusterID int64, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[clusterID] = topic
	return nil
}

func (s *memoryStore) AddSuggestedTopics(_ context.Context, _ int64, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggested = append(s.suggested, names...)
	return nil
}

func (s *memoryStore) ListTopics(context.Context, int64) ([]db.TopicRow, error) {
	return s.known, nil
}

func (s *memoryStore) ListRecentItems(_ context.Context, _ int64, limit int) ([]db.ItemRecord, error) {
	if len(s.recent) > limit {
		return s.recent[:limit], nil
	}
	return s.recent, nil
}

func (s *memoryStore) SetTopicDrift(_ context.Context, _ int64, drift bool, ratio float64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = &drift
	s.driftRatio = ratio
	return nil
}

// cannedCompleter answers by purpose and can run out of budget after a
// fixed number of calls.
type cannedCompleter struct {
	mu      sync.Mutex
	answers map[string]func(user string) string
	budget  int
	calls   int
}

func (c *cannedCompleter) Enabled() bool { return true }

func (c *cannedCompleter) Complete(_ context.Context, _ int64, _ int, req ai.Request) ai.Completion {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.budget > 0 && c.calls >= c.budget {
		return ai.Completion{Text: ai.ErrorText(ai.TagBudgetExhausted), ErrorTag: ai.TagBudgetExhausted}
	}
	c.calls++
	answer, ok := c.answers[req.Purpose]
	if !ok {
		return ai.Completion{Text: ai.ErrorText("http_500"), ErrorTag: "http_500"}
	}
	user := ""
	for _, m := range req.Messages {
		if m.Role == ai.RoleUser {
			user = m.Content
		}
	}
	return ai.Completion{Text: answer(user)}
}

type fixedImages map[string]string

func (f fixedImages) Scrape(_ context.Context, pageURL string) (string, error) {
	if image, ok := f[pageURL]; ok {
		return image, nil
	}
	return "", errors.New("no page")
}

type countingExtractor struct {
	mu    sync.Mutex
	calls map[string]int
	pages map[string]string
}

func (c *countingExtractor) Extract(_ context.Context, pageURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[pageURL]++
	if text, ok := c.pages[pageURL]; ok {
		return text, nil
	}
	return "", errors.New("extract failed")
}

type keywordLanguage struct{}

func (keywordLanguage) DetectISO6391(text string) string {
	if strings.Contains(text, "Regierung") {
		return "de"
	}
	return "en"
}
