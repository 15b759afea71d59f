package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"horse.fit/newsloom/internal/breaker"
	"horse.fit/newsloom/internal/db"
)

// memStore backs the pipeline, upserter and clustering engine in tests.
type memStore struct {
	mu sync.Mutex

	feed       db.FeedRunRow
	rules      []db.FilterRuleRow
	items      map[int64]*db.ItemRecord
	identities map[string]int64
	nextItem   int64

	clusters    map[int64]*memCluster
	memberOf    map[int64]int64
	nextCluster int64

	events     []db.FilterEventParams
	validators int
	successes  int
	failures   []string
}

type memCluster struct {
	id          int64
	rep         int64
	members     int
	filterState string
	ruleID      *int64
}

func newMemStore(feed db.FeedRunRow) *memStore {
	return &memStore{
		feed:       feed,
		items:      make(map[int64]*db.ItemRecord),
		identities: make(map[string]int64),
		clusters:   make(map[int64]*memCluster),
		memberOf:   make(map[int64]int64),
	}
}

func (s *memStore) GetFeedRun(_ context.Context, feedID int64) (db.FeedRunRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if feedID != s.feed.FeedID {
		return db.FeedRunRow{}, db.ErrNoRows
	}
	return s.feed, nil
}

func (s *memStore) SaveFeedValidators(_ context.Context, _ int64, etag, lastModified *string, polledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed.ETag, s.feed.LastModified = etag, lastModified
	s.feed.LastPolledAt = &polledAt
	s.validators++
	return nil
}

func (s *memStore) RecordFeedSuccess(_ context.Context, _ int64, title string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if title != "" {
		s.feed.Title = title
	}
	s.feed.ConsecutiveFailures = 0
	s.feed.CircuitOpenUntil = nil
	s.successes++
	return nil
}

func (s *memStore) RecordFeedFailure(_ context.Context, _ int64, cause string, now time.Time) (breaker.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := breaker.OnFailure(breaker.State{ConsecutiveFailures: s.feed.ConsecutiveFailures, OpenUntil: s.feed.CircuitOpenUntil}, now)
	s.feed.ConsecutiveFailures = state.ConsecutiveFailures
	s.feed.CircuitOpenUntil = state.OpenUntil
	s.feed.LastPolledAt = &now
	s.failures = append(s.failures, cause)
	return state, nil
}

func (s *memStore) ListFilterRules(context.Context, int64) ([]db.FilterRuleRow, error) {
	return s.rules, nil
}

func identity(item db.ItemUpsertParams) string {
	if item.GUID != nil {
		return "guid:" + *item.GUID
	}
	return "url:" + item.CanonicalURL + "@" + item.PublishedAt.Format(time.RFC3339)
}

func (s *memStore) upsert(item db.ItemUpsertParams) db.UpsertedItem {
	key := identity(item)
	id, known := s.identities[key]
	if !known {
		s.nextItem++
		id = s.nextItem
		s.identities[key] = id
		s.items[id] = &db.ItemRecord{
			ItemID:      id,
			AccountID:   item.AccountID,
			FeedID:      item.FeedID,
			FolderID:    s.feed.FolderID,
			FeedWeight:  s.feed.Weight,
			FilterState: "pending",
		}
	}
	rec := s.items[id]
	rec.URL = item.URL
	rec.CanonicalURL = item.CanonicalURL
	rec.Title = item.Title
	rec.Summary = item.Summary
	rec.Author = item.Author
	rec.PublishedAt = item.PublishedAt
	rec.Simhash = item.Simhash
	return db.UpsertedItem{ItemID: id, Inserted: !known, GUID: item.GUID, CanonicalURL: item.CanonicalURL, PublishedAt: item.PublishedAt}
}

func (s *memStore) UpsertItemsByGUID(_ context.Context, items []db.ItemUpsertParams) ([]db.UpsertedItem, error) {
	return s.UpsertItemsByURL(context.Background(), items)
}

func (s *memStore) UpsertItemsByURL(_ context.Context, items []db.ItemUpsertParams) ([]db.UpsertedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.UpsertedItem, 0, len(items))
	for _, item := range items {
		out = append(out, s.upsert(item))
	}
	return out, nil
}

func (s *memStore) UpsertItem(_ context.Context, item db.ItemUpsertParams) (db.UpsertedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsert(item), nil
}

func (s *memStore) records(ids []int64, keep func(int64) bool) []db.ItemRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.ItemRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.items[id]
		if !ok || !keep(id) {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

func (s *memStore) GetItems(_ context.Context, ids []int64) ([]db.ItemRecord, error) {
	return s.records(ids, func(int64) bool { return true }), nil
}

func (s *memStore) ListUnclusteredItems(_ context.Context, ids []int64) ([]db.ItemRecord, error) {
	return s.records(ids, func(id int64) bool {
		_, clustered := s.memberOf[id]
		return !clustered
	}), nil
}

func (s *memStore) SetItemFilterStates(_ context.Context, states []db.ItemFilterState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if rec, ok := s.items[st.ItemID]; ok {
			rec.FilterState = st.State
			rec.FilterRuleID = st.RuleID
		}
	}
	return nil
}

func (s *memStore) ListFolderKeywordRules(context.Context, int64) ([]db.FolderKeywordRuleRow, error) {
	return nil, nil
}

func (s *memStore) ListClusterCandidates(_ context.Context, _ int64, from, to time.Time) ([]db.ClusterCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.ClusterCandidate, 0, len(s.clusters))
	for _, c := range s.clusters {
		rep := s.items[c.rep]
		if rep.PublishedAt.Before(from) || rep.PublishedAt.After(to) {
			continue
		}
		out = append(out, db.ClusterCandidate{
			ClusterID:      c.id,
			FolderID:       rep.FolderID,
			MemberCount:    c.members,
			RepItemID:      rep.ItemID,
			RepTitle:       rep.Title,
			RepSummary:     rep.Summary,
			RepSimhash:     rep.Simhash,
			RepPublishedAt: rep.PublishedAt,
			RepWeight:      rep.FeedWeight,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterID < out[j].ClusterID })
	return out, nil
}

func (s *memStore) ApplyClusterWrite(_ context.Context, w db.ClusterWrite) (db.ClusterWriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := db.ClusterWriteResult{CreatedBySeed: map[int64]int64{}, ItemCluster: map[int64]int64{}}
	for _, c := range w.NewClusters {
		s.nextCluster++
		rep := c.RepresentativeItemID
		if rep == 0 {
			rep = c.SeedItemID
		}
		s.clusters[s.nextCluster] = &memCluster{id: s.nextCluster, rep: rep, filterState: "pending"}
		result.CreatedBySeed[c.SeedItemID] = s.nextCluster
	}
	touched := map[int64]struct{}{}
	for _, m := range w.Members {
		if _, dup := s.memberOf[m.ItemID]; dup {
			continue
		}
		clusterID := m.ClusterID
		if clusterID == 0 {
			clusterID = result.CreatedBySeed[m.SeedItemID]
		}
		s.memberOf[m.ItemID] = clusterID
		s.clusters[clusterID].members++
		result.ItemCluster[m.ItemID] = clusterID
		touched[clusterID] = struct{}{}
	}
	for _, r := range w.Representatives {
		s.clusters[r.ClusterID].rep = r.ItemID
	}
	for id := range touched {
		result.Touched = append(result.Touched, id)
	}
	sort.Slice(result.Touched, func(i, j int) bool { return result.Touched[i] < result.Touched[j] })
	return result, nil
}

func (s *memStore) ListClusterRepresentatives(_ context.Context, ids []int64) ([]db.ClusterRepresentative, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.ClusterRepresentative, 0, len(ids))
	for _, id := range ids {
		c, ok := s.clusters[id]
		if !ok {
			continue
		}
		out = append(out, db.ClusterRepresentative{
			ClusterID:    c.id,
			MemberCount:  c.members,
			FilterState:  c.filterState,
			FilterRuleID: c.ruleID,
			Rep:          *s.items[c.rep],
		})
	}
	return out, nil
}

func (s *memStore) SetClusterFilterStates(_ context.Context, states []db.ClusterFilterState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if c, ok := s.clusters[st.ClusterID]; ok {
			c.filterState = st.State
			c.ruleID = st.RuleID
		}
	}
	return nil
}

func (s *memStore) InsertFilterEvents(_ context.Context, events []db.FilterEventParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// itemID returns the id stored for guid, or 0.
func (s *memStore) itemID(guid string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identities["guid:"+guid]
}

func (s *memStore) clusterStates() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, c := range s.clusters {
		out[c.filterState]++
	}
	return out
}
