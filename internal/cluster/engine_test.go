package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/db"
)

type stubStore struct {
	candidates []db.ClusterCandidate
	keywords   []db.FolderKeywordRuleRow
	from, to   time.Time
	write      db.ClusterWrite
}

func (s *stubStore) ListClusterCandidates(_ context.Context, _ int64, from, to time.Time) ([]db.ClusterCandidate, error) {
	s.from, s.to = from, to
	return s.candidates, nil
}

func (s *stubStore) ListFolderKeywordRules(context.Context, int64) ([]db.FolderKeywordRuleRow, error) {
	return s.keywords, nil
}

func (s *stubStore) ApplyClusterWrite(_ context.Context, w db.ClusterWrite) (db.ClusterWriteResult, error) {
	s.write = w
	result := db.ClusterWriteResult{CreatedBySeed: map[int64]int64{}, ItemCluster: map[int64]int64{}}
	next := int64(1000)
	for _, c := range w.NewClusters {
		result.CreatedBySeed[c.SeedItemID] = next
		next++
	}
	for _, m := range w.Members {
		clusterID := m.ClusterID
		if clusterID == 0 {
			clusterID = result.CreatedBySeed[m.SeedItemID]
		}
		result.ItemCluster[m.ItemID] = clusterID
	}
	return result, nil
}

func int64Ptr(v int64) *int64 { return &v }

func TestEngineAssignBuildsWrite(t *testing.T) {
	t.Parallel()

	published := time.Date(2026, 10, 5, 9, 0, 0, 0, time.UTC)
	store := &stubStore{
		candidates: []db.ClusterCandidate{{
			ClusterID:      55,
			MemberCount:    3,
			RepItemID:      1,
			RepTitle:       "Roblox accounts hacked in credential stuffing wave",
			RepPublishedAt: published.Add(-time.Hour),
			RepWeight:      "neutral",
		}},
		keywords: []db.FolderKeywordRuleRow{{RuleID: 1, FolderID: 77, Pattern: "transit", Position: 0}},
	}
	records := []db.ItemRecord{
		{ItemID: 10, FeedWeight: "prefer", Title: "Roblox accounts hacked: credential stuffing wave", PublishedAt: published},
		{ItemID: 11, FeedWeight: "neutral", FolderID: int64Ptr(5), Title: "City council approves transit budget", PublishedAt: published.Add(time.Hour)},
		{ItemID: 12, FeedWeight: "neutral", FolderID: int64Ptr(5), Title: "Volcanic eruption grounds flights", PublishedAt: published.Add(2 * time.Hour)},
	}

	engine := NewEngine(store, Config{}, zerolog.Nop())
	result, err := engine.Assign(context.Background(), 1, records)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	if !store.from.Equal(published.Add(-48*time.Hour)) || !store.to.Equal(published.Add(50*time.Hour)) {
		t.Fatalf("unexpected candidate window %s..%s", store.from, store.to)
	}
	if result.ItemCluster[10] != 55 {
		t.Fatalf("expected item 10 in existing cluster 55, got %d", result.ItemCluster[10])
	}
	if len(store.write.Representatives) != 1 || store.write.Representatives[0].ItemID != 10 {
		t.Fatalf("expected preferred item to become representative, got %+v", store.write.Representatives)
	}
	if len(store.write.NewClusters) != 2 {
		t.Fatalf("expected 2 new clusters, got %d", len(store.write.NewClusters))
	}
	for _, c := range store.write.NewClusters {
		switch c.SeedItemID {
		case 11:
			if c.FolderID == nil || *c.FolderID != 77 {
				t.Fatalf("keyword rule should route item 11 to folder 77, got %v", c.FolderID)
			}
		case 12:
			if c.FolderID == nil || *c.FolderID != 5 {
				t.Fatalf("item 12 should keep its feed folder, got %v", c.FolderID)
			}
		default:
			t.Fatalf("unexpected seed %d", c.SeedItemID)
		}
	}
	for _, m := range store.write.Members {
		if m.ItemID == 10 && (m.MatchScore == nil || *m.MatchScore != 1) {
			t.Fatalf("joined member should carry its match score")
		}
		if m.ItemID == 11 && m.MatchScore != nil {
			t.Fatalf("seed member should not carry a match score")
		}
	}
}
