package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DigestTriggerStats feeds the digest trigger decision.
type DigestTriggerStats struct {
	UnreadClusters int
	LastDigestAt   *time.Time
	LastSeenAt     *time.Time
}

// DigestCandidate is one visible unread cluster considered for a digest.
type DigestCandidate struct {
	ClusterID   int64
	Title       string
	URL         string
	Summary     string
	FeedTitle   string
	Weight      string
	MemberCount int
	PublishedAt time.Time
	Topic       *string
}

// DigestEntryParams is one ranked cluster in a digest section.
type DigestEntryParams struct {
	ClusterID int64
	Section   string
	Rank      int
	Score     float64
}

// DigestParams creates one digest with its entries.
type DigestParams struct {
	AccountID   int64
	WindowStart time.Time
	WindowEnd   time.Time
	Trigger     string
	Format      string
	Body        string
	Metadata    json.RawMessage
	Entries     []DigestEntryParams
}

const visibleClusterPredicate = `c.filter_state IN ('pending', 'pass', 'breakout_shown')`

func (p *Pool) GetDigestTriggerStats(ctx context.Context, accountID int64) (DigestTriggerStats, error) {
	q := `
SELECT
	(SELECT COUNT(*)
	 FROM loom.clusters c
	 JOIN loom.items r ON r.item_id = c.representative_item_id
	 WHERE c.account_id = $1
	   AND ` + visibleClusterPredicate + `
	   AND r.read_at IS NULL) AS unread_clusters,
	(SELECT MAX(d.created_at) FROM loom.digests d WHERE d.account_id = $1) AS last_digest_at,
	(SELECT a.last_seen_at FROM loom.accounts a WHERE a.account_id = $1) AS last_seen_at
`
	var stats DigestTriggerStats
	if err := p.QueryRow(ctx, q, accountID).Scan(&stats.UnreadClusters, &stats.LastDigestAt, &stats.LastSeenAt); err != nil {
		return DigestTriggerStats{}, fmt.Errorf("query digest trigger stats account_id=%d: %w", accountID, err)
	}
	return stats, nil
}

func (p *Pool) ListDigestCandidates(ctx context.Context, accountID int64, since time.Time, limit int) ([]DigestCandidate, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	q := `
SELECT
	c.cluster_id,
	r.title,
	r.url,
	COALESCE(r.ai_summary, r.summary),
	f.title,
	f.weight::text,
	c.member_count,
	r.published_at,
	c.topic
FROM loom.clusters c
JOIN loom.items r
	ON r.item_id = c.representative_item_id
JOIN loom.feeds f
	ON f.feed_id = r.feed_id
WHERE c.account_id = $1
  AND ` + visibleClusterPredicate + `
  AND r.read_at IS NULL
  AND r.published_at >= $2
ORDER BY r.published_at DESC, c.cluster_id DESC
LIMIT $3
`
	rows, err := p.Query(ctx, q, accountID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query digest candidates: %w", err)
	}
	defer rows.Close()

	out := make([]DigestCandidate, 0, limit)
	for rows.Next() {
		var row DigestCandidate
		if err := rows.Scan(
			&row.ClusterID,
			&row.Title,
			&row.URL,
			&row.Summary,
			&row.FeedTitle,
			&row.Weight,
			&row.MemberCount,
			&row.PublishedAt,
			&row.Topic,
		); err != nil {
			return nil, fmt.Errorf("scan digest candidate: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digest candidates: %w", err)
	}
	return out, nil
}

// CreateDigest stores a digest unless one already overlaps its window. The
// account-scoped advisory lock serializes concurrent digest jobs.
const digestOverlapQuery = `
SELECT EXISTS (
	SELECT 1
	FROM loom.digests
	WHERE account_id = $1
	  AND window_start < $3
	  AND window_end > $2
)
`

// DigestWindowTaken reports whether a stored digest overlaps [start, end).
func (p *Pool) DigestWindowTaken(ctx context.Context, accountID int64, start, end time.Time) (bool, error) {
	var taken bool
	if err := p.QueryRow(ctx, digestOverlapQuery, accountID, start.UTC(), end.UTC()).Scan(&taken); err != nil {
		return false, fmt.Errorf("check digest window account_id=%d: %w", accountID, err)
	}
	return taken, nil
}

func (p *Pool) CreateDigest(ctx context.Context, params DigestParams) (int64, bool, error) {
	var digestID int64
	created := false

	err := p.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('loom.digest', $1))`, params.AccountID); err != nil {
			return fmt.Errorf("lock digest account: %w", err)
		}

		var overlaps bool
		if err := tx.QueryRow(ctx, digestOverlapQuery, params.AccountID, params.WindowStart.UTC(), params.WindowEnd.UTC()).Scan(&overlaps); err != nil {
			return fmt.Errorf("check digest overlap: %w", err)
		}
		if overlaps {
			return nil
		}

		metadata := params.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`{}`)
		}
		if err := tx.QueryRow(ctx, `
INSERT INTO loom.digests (account_id, window_start, window_end, trigger, format, body, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
RETURNING digest_id
`,
			params.AccountID,
			params.WindowStart.UTC(),
			params.WindowEnd.UTC(),
			params.Trigger,
			params.Format,
			params.Body,
			string(metadata),
		).Scan(&digestID); err != nil {
			return fmt.Errorf("insert digest: %w", err)
		}

		if len(params.Entries) > 0 {
			args := make([]any, 0, len(params.Entries)*5)
			for _, e := range params.Entries {
				args = append(args, digestID, e.ClusterID, e.Section, e.Rank, e.Score)
			}
			q := `
INSERT INTO loom.digest_entries (digest_id, cluster_id, section, rank, score)
VALUES ` + valuesList(len(params.Entries), []string{"bigint", "bigint", "text", "integer", "double precision"}, 0)
			if _, err := tx.Exec(ctx, q, args...); err != nil {
				return fmt.Errorf("insert digest entries: %w", err)
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("create digest account_id=%d: %w", params.AccountID, err)
	}
	return digestID, created, nil
}
