package db

import (
	"context"
	"fmt"
	"time"
)

// ClusterCandidate is an existing cluster whose representative falls in the
// clustering window.
type ClusterCandidate struct {
	ClusterID      int64
	FolderID       *int64
	MemberCount    int
	RepItemID      int64
	RepTitle       string
	RepSummary     string
	RepSimhash     int64
	RepPublishedAt time.Time
	RepWeight      string
}

// NewClusterParams creates one cluster. SeedItemID is the item that opened
// it; RepresentativeItemID defaults to the seed.
type NewClusterParams struct {
	SeedItemID           int64
	FolderID             *int64
	RepresentativeItemID int64
}

// ClusterMemberParams adds one item to a cluster. Exactly one of ClusterID
// or SeedItemID is set; SeedItemID refers to a cluster created in the same write.
type ClusterMemberParams struct {
	ClusterID       int64
	SeedItemID      int64
	ItemID          int64
	MatchScore      *float64
	SimhashDistance *int
}

// RepresentativeParams moves an existing cluster's representative.
type RepresentativeParams struct {
	ClusterID int64
	ItemID    int64
}

// ClusterWrite is one batch of clustering changes applied in a transaction.
type ClusterWrite struct {
	AccountID       int64
	NewClusters     []NewClusterParams
	Members         []ClusterMemberParams
	Representatives []RepresentativeParams
}

// ClusterWriteResult maps seed items to created cluster ids and lists the
// clusters that actually gained members.
type ClusterWriteResult struct {
	CreatedBySeed map[int64]int64
	ItemCluster   map[int64]int64
	Touched       []int64
}

func (p *Pool) ListClusterCandidates(ctx context.Context, accountID int64, from, to time.Time) ([]ClusterCandidate, error) {
	const q = `
SELECT
	c.cluster_id,
	c.folder_id,
	c.member_count,
	r.item_id,
	r.title,
	r.summary,
	r.simhash,
	r.published_at,
	f.weight::text
FROM loom.clusters c
JOIN loom.items r
	ON r.item_id = c.representative_item_id
JOIN loom.feeds f
	ON f.feed_id = r.feed_id
WHERE c.account_id = $1
  AND r.published_at >= $2
  AND r.published_at <= $3
ORDER BY c.cluster_id
`

	rows, err := p.Query(ctx, q, accountID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query cluster candidates: %w", err)
	}
	defer rows.Close()

	out := make([]ClusterCandidate, 0, 64)
	for rows.Next() {
		var row ClusterCandidate
		if err := rows.Scan(
			&row.ClusterID,
			&row.FolderID,
			&row.MemberCount,
			&row.RepItemID,
			&row.RepTitle,
			&row.RepSummary,
			&row.RepSimhash,
			&row.RepPublishedAt,
			&row.RepWeight,
		); err != nil {
			return nil, fmt.Errorf("scan cluster candidate: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster candidates: %w", err)
	}
	return out, nil
}

// ApplyClusterWrite persists a clustering batch with bulk statements keyed by
// cluster. Members are append-only; an item already clustered is skipped and
// does not bump sizes or move representatives.
func (p *Pool) ApplyClusterWrite(ctx context.Context, w ClusterWrite) (ClusterWriteResult, error) {
	result := ClusterWriteResult{
		CreatedBySeed: make(map[int64]int64, len(w.NewClusters)),
		ItemCluster:   make(map[int64]int64, len(w.Members)),
	}
	if len(w.Members) == 0 {
		return result, nil
	}

	err := p.WithTx(ctx, func(tx Tx) error {
		if err := insertClustersTx(ctx, tx, w.AccountID, w.NewClusters, result.CreatedBySeed); err != nil {
			return err
		}

		added, err := insertClusterMembersTx(ctx, tx, w.Members, result.CreatedBySeed)
		if err != nil {
			return err
		}
		for itemID, clusterID := range added {
			result.ItemCluster[itemID] = clusterID
		}

		counts := make(map[int64]int, len(added))
		for _, clusterID := range added {
			counts[clusterID]++
		}

		var empty []int64
		for seed, clusterID := range result.CreatedBySeed {
			if counts[clusterID] == 0 {
				empty = append(empty, clusterID)
				delete(result.CreatedBySeed, seed)
			}
		}
		if len(empty) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM loom.clusters WHERE cluster_id = ANY($1)`, empty); err != nil {
				return fmt.Errorf("delete empty clusters: %w", err)
			}
		}

		if err := bumpClusterSizesTx(ctx, tx, counts); err != nil {
			return err
		}

		reps := make([]RepresentativeParams, 0, len(w.Representatives))
		for _, rep := range w.Representatives {
			if clusterID, ok := added[rep.ItemID]; ok && clusterID == rep.ClusterID {
				reps = append(reps, rep)
			}
		}
		reps = append(reps, orphanedRepresentatives(w.NewClusters, result.CreatedBySeed, added)...)
		if err := setRepresentativesTx(ctx, tx, reps); err != nil {
			return err
		}

		result.Touched = make([]int64, 0, len(counts))
		for clusterID := range counts {
			result.Touched = append(result.Touched, clusterID)
		}
		return nil
	})
	if err != nil {
		return ClusterWriteResult{}, fmt.Errorf("apply cluster write: %w", err)
	}
	return result, nil
}

func insertClustersTx(ctx context.Context, tx Tx, accountID int64, clusters []NewClusterParams, created map[int64]int64) error {
	if len(clusters) == 0 {
		return nil
	}

	seedByRep := make(map[int64]int64, len(clusters))
	args := make([]any, 0, len(clusters)*3)
	for _, c := range clusters {
		rep := c.RepresentativeItemID
		if rep == 0 {
			rep = c.SeedItemID
		}
		seedByRep[rep] = c.SeedItemID
		args = append(args, accountID, c.FolderID, rep)
	}
	q := `
INSERT INTO loom.clusters (account_id, folder_id, representative_item_id)
VALUES ` + valuesList(len(clusters), []string{"bigint", "bigint", "bigint"}, 0) + `
RETURNING cluster_id, representative_item_id
`
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("insert clusters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var clusterID, repItemID int64
		if err := rows.Scan(&clusterID, &repItemID); err != nil {
			return fmt.Errorf("scan inserted cluster: %w", err)
		}
		created[seedByRep[repItemID]] = clusterID
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate inserted clusters: %w", err)
	}
	return nil
}

func insertClusterMembersTx(ctx context.Context, tx Tx, members []ClusterMemberParams, created map[int64]int64) (map[int64]int64, error) {
	args := make([]any, 0, len(members)*4)
	n := 0
	for _, m := range members {
		clusterID := m.ClusterID
		if clusterID == 0 {
			clusterID = created[m.SeedItemID]
		}
		if clusterID == 0 {
			return nil, fmt.Errorf("member item_id=%d references unknown seed item_id=%d", m.ItemID, m.SeedItemID)
		}
		args = append(args, clusterID, m.ItemID, m.MatchScore, m.SimhashDistance)
		n++
	}

	q := `
INSERT INTO loom.cluster_members (cluster_id, item_id, match_score, simhash_distance)
VALUES ` + valuesList(n, []string{"bigint", "bigint", "double precision", "integer"}, 0) + `
ON CONFLICT (item_id) DO NOTHING
RETURNING item_id, cluster_id
`
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("insert cluster members: %w", err)
	}
	defer rows.Close()

	added := make(map[int64]int64, n)
	for rows.Next() {
		var itemID, clusterID int64
		if err := rows.Scan(&itemID, &clusterID); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		added[itemID] = clusterID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster members: %w", err)
	}
	return added, nil
}

// orphanedRepresentatives re-points a new cluster whose planned representative
// was already clustered elsewhere to its lowest added member.
func orphanedRepresentatives(clusters []NewClusterParams, created map[int64]int64, added map[int64]int64) []RepresentativeParams {
	var out []RepresentativeParams
	for _, c := range clusters {
		clusterID, ok := created[c.SeedItemID]
		if !ok {
			continue
		}
		rep := c.RepresentativeItemID
		if rep == 0 {
			rep = c.SeedItemID
		}
		if added[rep] == clusterID {
			continue
		}
		var lowest int64
		for itemID, memberCluster := range added {
			if memberCluster == clusterID && (lowest == 0 || itemID < lowest) {
				lowest = itemID
			}
		}
		if lowest != 0 {
			out = append(out, RepresentativeParams{ClusterID: clusterID, ItemID: lowest})
		}
	}
	return out
}

func bumpClusterSizesTx(ctx context.Context, tx Tx, counts map[int64]int) error {
	if len(counts) == 0 {
		return nil
	}
	args := make([]any, 0, len(counts)*2)
	for clusterID, n := range counts {
		args = append(args, clusterID, n)
	}
	q := `
UPDATE loom.clusters c
SET member_count = c.member_count + v.added, updated_at = now()
FROM (VALUES ` + valuesList(len(counts), []string{"bigint", "integer"}, 0) + `) AS v(cluster_id, added)
WHERE c.cluster_id = v.cluster_id
`
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("bump cluster sizes: %w", err)
	}
	return nil
}

func setRepresentativesTx(ctx context.Context, tx Tx, reps []RepresentativeParams) error {
	if len(reps) == 0 {
		return nil
	}
	args := make([]any, 0, len(reps)*2)
	for _, rep := range reps {
		args = append(args, rep.ClusterID, rep.ItemID)
	}
	q := `
UPDATE loom.clusters c
SET representative_item_id = v.item_id, updated_at = now()
FROM (VALUES ` + valuesList(len(reps), []string{"bigint", "bigint"}, 0) + `) AS v(cluster_id, item_id)
WHERE c.cluster_id = v.cluster_id
`
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("set cluster representatives: %w", err)
	}
	return nil
}

// ClusterRepresentative is a cluster plus its current representative item.
type ClusterRepresentative struct {
	ClusterID    int64
	MemberCount  int
	FilterState  string
	FilterRuleID *int64
	Topic        *string
	Rep          ItemRecord
}

func (p *Pool) ListClusterRepresentatives(ctx context.Context, clusterIDs []int64) ([]ClusterRepresentative, error) {
	if len(clusterIDs) == 0 {
		return nil, nil
	}
	const q = `
SELECT
	c.cluster_id,
	c.member_count,
	c.filter_state::text,
	c.filter_rule_id,
	c.topic,
	i.item_id,
	i.account_id,
	i.feed_id,
	f.folder_id,
	f.weight::text,
	i.url,
	i.canonical_url,
	i.title,
	i.summary,
	i.author,
	i.published_at,
	i.hero_image_url,
	i.full_text,
	i.language,
	i.simhash,
	i.filter_state::text,
	i.filter_rule_id
FROM loom.clusters c
JOIN loom.items i
	ON i.item_id = c.representative_item_id
JOIN loom.feeds f
	ON f.feed_id = i.feed_id
WHERE c.cluster_id = ANY($1)
ORDER BY c.cluster_id
`
	rows, err := p.Query(ctx, q, clusterIDs)
	if err != nil {
		return nil, fmt.Errorf("query cluster representatives: %w", err)
	}
	defer rows.Close()

	out := make([]ClusterRepresentative, 0, len(clusterIDs))
	for rows.Next() {
		var row ClusterRepresentative
		if err := rows.Scan(
			&row.ClusterID,
			&row.MemberCount,
			&row.FilterState,
			&row.FilterRuleID,
			&row.Topic,
			&row.Rep.ItemID,
			&row.Rep.AccountID,
			&row.Rep.FeedID,
			&row.Rep.FolderID,
			&row.Rep.FeedWeight,
			&row.Rep.URL,
			&row.Rep.CanonicalURL,
			&row.Rep.Title,
			&row.Rep.Summary,
			&row.Rep.Author,
			&row.Rep.PublishedAt,
			&row.Rep.HeroImageURL,
			&row.Rep.FullText,
			&row.Rep.Language,
			&row.Rep.Simhash,
			&row.Rep.FilterState,
			&row.Rep.FilterRuleID,
		); err != nil {
			return nil, fmt.Errorf("scan cluster representative: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster representatives: %w", err)
	}
	return out, nil
}

// ClusterFilterState is the post-cluster decision for one cluster.
type ClusterFilterState struct {
	ClusterID int64
	State     string
	RuleID    *int64
	Reason    *string
}

func (p *Pool) SetClusterFilterStates(ctx context.Context, states []ClusterFilterState) error {
	if len(states) == 0 {
		return nil
	}
	args := make([]any, 0, len(states)*4)
	for _, s := range states {
		args = append(args, s.ClusterID, s.State, s.RuleID, s.Reason)
	}
	q := `
UPDATE loom.clusters c
SET
	filter_state = v.state::loom.filter_state,
	filter_rule_id = v.rule_id,
	filter_reason = v.reason,
	updated_at = now()
FROM (VALUES ` + valuesList(len(states), []string{"bigint", "text", "bigint", "text"}, 0) + `) AS v(cluster_id, state, rule_id, reason)
WHERE c.cluster_id = v.cluster_id
`
	if _, err := p.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("set cluster filter states: %w", err)
	}
	return nil
}

func (p *Pool) SetClusterTopic(ctx context.Context, clusterID int64, topic string) error {
	if _, err := p.Exec(ctx, `UPDATE loom.clusters SET topic = $2, updated_at = now() WHERE cluster_id = $1`, clusterID, topic); err != nil {
		return fmt.Errorf("set cluster topic cluster_id=%d: %w", clusterID, err)
	}
	return nil
}
