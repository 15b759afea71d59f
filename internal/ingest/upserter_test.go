package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/feed"
)

type stubStore struct {
	failBatch  bool
	failURL    string
	nextID     int64
	known      map[string]int64
	batchCalls int
	itemCalls  int
}

func newStubStore() *stubStore {
	return &stubStore{known: make(map[string]int64)}
}

func identity(item db.ItemUpsertParams) string {
	if item.GUID != nil {
		return "guid:" + *item.GUID
	}
	return "url:" + item.CanonicalURL + "@" + item.PublishedAt.Format(time.RFC3339)
}

func (s *stubStore) upsertOne(item db.ItemUpsertParams) db.UpsertedItem {
	key := identity(item)
	if id, ok := s.known[key]; ok {
		return db.UpsertedItem{ItemID: id, Inserted: false, GUID: item.GUID, CanonicalURL: item.CanonicalURL}
	}
	s.nextID++
	s.known[key] = s.nextID
	return db.UpsertedItem{ItemID: s.nextID, Inserted: true, GUID: item.GUID, CanonicalURL: item.CanonicalURL}
}

func (s *stubStore) batch(items []db.ItemUpsertParams) ([]db.UpsertedItem, error) {
	s.batchCalls++
	if s.failBatch {
		return nil, errors.New("batch rejected")
	}
	out := make([]db.UpsertedItem, 0, len(items))
	for _, item := range items {
		out = append(out, s.upsertOne(item))
	}
	return out, nil
}

func (s *stubStore) UpsertItemsByGUID(_ context.Context, items []db.ItemUpsertParams) ([]db.UpsertedItem, error) {
	return s.batch(items)
}

func (s *stubStore) UpsertItemsByURL(_ context.Context, items []db.ItemUpsertParams) ([]db.UpsertedItem, error) {
	return s.batch(items)
}

func (s *stubStore) UpsertItem(_ context.Context, item db.ItemUpsertParams) (db.UpsertedItem, error) {
	s.itemCalls++
	if item.URL == s.failURL {
		return db.UpsertedItem{}, errors.New("constraint violation")
	}
	return s.upsertOne(item), nil
}

func sampleItems() []feed.ParsedItem {
	published := time.Date(2026, 10, 5, 10, 0, 0, 0, time.UTC)
	return []feed.ParsedItem{
		{GUID: "a", URL: "https://example.com/a", Title: "Alpha", PublishedAt: published},
		{GUID: "b", URL: "https://example.com/b", Title: "Beta", PublishedAt: published},
		{URL: "https://www.example.com/c/?utm_source=x", Title: "Gamma", PublishedAt: published},
		{URL: "https://example.com/c", Title: "Gamma again", PublishedAt: published},
		{GUID: "a", URL: "https://example.com/a", Title: "Alpha updated", PublishedAt: published},
	}
}

func TestPartitionCollapsesDuplicates(t *testing.T) {
	t.Parallel()

	byGUID, byURL := Partition(1, 2, sampleItems())
	if len(byGUID) != 2 {
		t.Fatalf("expected 2 guid rows, got %d", len(byGUID))
	}
	if byGUID[0].Title != "Alpha updated" {
		t.Fatalf("expected later duplicate to win, got %q", byGUID[0].Title)
	}
	if len(byURL) != 1 {
		t.Fatalf("expected canonical url duplicates to collapse, got %d rows", len(byURL))
	}
	if byURL[0].CanonicalURL != "https://example.com/c" {
		t.Fatalf("unexpected canonical url %q", byURL[0].CanonicalURL)
	}
	if byURL[0].GUID != nil {
		t.Fatalf("url-keyed row must not carry a guid")
	}
	if byURL[0].CanonicalURLHash == "" {
		t.Fatalf("expected canonical url hash")
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	u := NewUpserter(store, zerolog.Nop())

	first, err := u.Upsert(context.Background(), 1, 2, sampleItems())
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if len(first.Inserted) != 3 || len(first.Updated) != 0 {
		t.Fatalf("first run inserted=%d updated=%d, want 3/0", len(first.Inserted), len(first.Updated))
	}

	second, err := u.Upsert(context.Background(), 1, 2, sampleItems())
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if len(second.Inserted) != 0 || len(second.Updated) != 3 {
		t.Fatalf("second run inserted=%d updated=%d, want 0/3", len(second.Inserted), len(second.Updated))
	}
}

func TestUpsertFallsBackPerItem(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.failBatch = true
	store.failURL = "https://example.com/b"
	u := NewUpserter(store, zerolog.Nop())

	result, err := u.Upsert(context.Background(), 1, 2, sampleItems())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0].GUID != "b" {
		t.Fatalf("expected guid b to fail, got %+v", result.Failed)
	}
	if len(result.Inserted) != 2 {
		t.Fatalf("expected partial success of 2 rows, got %d", len(result.Inserted))
	}
	if store.itemCalls != 3 {
		t.Fatalf("expected 3 per-item calls, got %d", store.itemCalls)
	}
}

func TestUpsertDropsEntriesWithoutIdentity(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	u := NewUpserter(store, zerolog.Nop())
	result, err := u.Upsert(context.Background(), 1, 2, []feed.ParsedItem{{Title: "no identity"}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(result.Items) != 0 || store.batchCalls != 0 {
		t.Fatalf("expected nothing stored, got %+v calls=%d", result, store.batchCalls)
	}
}

func TestPartitionCarriesDeclaredLanguage(t *testing.T) {
	t.Parallel()

	published := time.Date(2026, 10, 5, 10, 0, 0, 0, time.UTC)
	byGUID, _ := Partition(1, 2, []feed.ParsedItem{
		{GUID: "de", URL: "https://example.de/a", Title: "Eins", PublishedAt: published, Language: "DE-at"},
		{GUID: "none", URL: "https://example.de/b", Title: "Zwei", PublishedAt: published, Language: "??"},
	})
	if len(byGUID) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(byGUID))
	}
	if byGUID[0].Language == nil || *byGUID[0].Language != "de" {
		t.Fatalf("expected normalized language de, got %v", byGUID[0].Language)
	}
	if byGUID[1].Language != nil {
		t.Fatalf("expected invalid language to be dropped, got %q", *byGUID[1].Language)
	}
}
