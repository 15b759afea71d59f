package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ItemUpsertParams is one parsed item ready for persistence.
type ItemUpsertParams struct {
	AccountID        int64
	FeedID           int64
	GUID             *string
	URL              string
	CanonicalURL     string
	CanonicalURLHash string
	Title            string
	Summary          string
	Author           *string
	PublishedAt      time.Time
	HeroImageURL     *string
	Language         *string
	Simhash          int64
}

// UpsertedItem reports the stored row for one upserted item.
type UpsertedItem struct {
	ItemID       int64
	Inserted     bool
	GUID         *string
	CanonicalURL string
	PublishedAt  time.Time
}

// ItemRecord is the typed item shape handed to pipeline stages.
type ItemRecord struct {
	ItemID       int64
	AccountID    int64
	FeedID       int64
	FolderID     *int64
	FeedWeight   string
	URL          string
	CanonicalURL string
	Title        string
	Summary      string
	Author       *string
	PublishedAt  time.Time
	HeroImageURL *string
	FullText     *string
	Language     *string
	Simhash      int64
	FilterState  string
	FilterRuleID *int64
}

const itemUpsertColumns = `account_id, feed_id, guid, url, canonical_url, canonical_url_hash, title, summary, author, published_at, hero_image_url, language, simhash`

var itemUpsertCasts = []string{"bigint", "bigint", "text", "text", "text", "text", "text", "text", "text", "timestamptz", "text", "text", "bigint"}

const itemUpsertOnConflictSet = `
DO UPDATE SET
	title = EXCLUDED.title,
	summary = EXCLUDED.summary,
	hero_image_url = COALESCE(i.hero_image_url, EXCLUDED.hero_image_url),
	language = COALESCE(i.language, EXCLUDED.language),
	simhash = EXCLUDED.simhash,
	updated_at = now()
RETURNING i.item_id, (i.xmax = 0) AS inserted, i.guid, i.canonical_url, i.published_at
`

const guidConflictTarget = `ON CONFLICT (account_id, feed_id, guid) WHERE guid IS NOT NULL`

const urlConflictTarget = `ON CONFLICT (account_id, feed_id, canonical_url, published_at) WHERE guid IS NULL`

// UpsertItemsByGUID upserts a batch of guid-keyed items in one statement. The
// batch must not contain the same guid twice.
func (p *Pool) UpsertItemsByGUID(ctx context.Context, items []ItemUpsertParams) ([]UpsertedItem, error) {
	return p.upsertItemBatch(ctx, items, guidConflictTarget)
}

// UpsertItemsByURL upserts a batch of guid-less items keyed by canonical URL
// and published time.
func (p *Pool) UpsertItemsByURL(ctx context.Context, items []ItemUpsertParams) ([]UpsertedItem, error) {
	for i := range items {
		items[i].GUID = nil
	}
	return p.upsertItemBatch(ctx, items, urlConflictTarget)
}

// UpsertItem upserts one item against whichever identity it carries.
func (p *Pool) UpsertItem(ctx context.Context, item ItemUpsertParams) (UpsertedItem, error) {
	target := urlConflictTarget
	if item.GUID != nil && strings.TrimSpace(*item.GUID) != "" {
		target = guidConflictTarget
	} else {
		item.GUID = nil
	}
	rows, err := p.upsertItemBatch(ctx, []ItemUpsertParams{item}, target)
	if err != nil {
		return UpsertedItem{}, err
	}
	if len(rows) != 1 {
		return UpsertedItem{}, fmt.Errorf("upsert item returned %d rows", len(rows))
	}
	return rows[0], nil
}

func (p *Pool) upsertItemBatch(ctx context.Context, items []ItemUpsertParams, conflictTarget string) ([]UpsertedItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(items)*len(itemUpsertCasts))
	for _, item := range items {
		args = append(args,
			item.AccountID,
			item.FeedID,
			item.GUID,
			item.URL,
			item.CanonicalURL,
			item.CanonicalURLHash,
			item.Title,
			item.Summary,
			item.Author,
			item.PublishedAt.UTC(),
			item.HeroImageURL,
			item.Language,
			item.Simhash,
		)
	}

	q := `INSERT INTO loom.items AS i (` + itemUpsertColumns + `)
VALUES ` + valuesList(len(items), itemUpsertCasts, 0) + `
` + conflictTarget + itemUpsertOnConflictSet

	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("upsert items: %w", err)
	}
	defer rows.Close()

	out := make([]UpsertedItem, 0, len(items))
	for rows.Next() {
		var row UpsertedItem
		if err := rows.Scan(&row.ItemID, &row.Inserted, &row.GUID, &row.CanonicalURL, &row.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan upserted item: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upserted items: %w", err)
	}
	return out, nil
}

const itemRecordSelect = `
SELECT
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
FROM loom.items i
JOIN loom.feeds f
	ON f.feed_id = i.feed_id
`

func scanItemRecords(rows *Rows, capacity int) ([]ItemRecord, error) {
	defer rows.Close()

	items := make([]ItemRecord, 0, capacity)
	for rows.Next() {
		var row ItemRecord
		if err := rows.Scan(
			&row.ItemID,
			&row.AccountID,
			&row.FeedID,
			&row.FolderID,
			&row.FeedWeight,
			&row.URL,
			&row.CanonicalURL,
			&row.Title,
			&row.Summary,
			&row.Author,
			&row.PublishedAt,
			&row.HeroImageURL,
			&row.FullText,
			&row.Language,
			&row.Simhash,
			&row.FilterState,
			&row.FilterRuleID,
		); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return items, nil
}

func (p *Pool) GetItems(ctx context.Context, itemIDs []int64) ([]ItemRecord, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	rows, err := p.Query(ctx, itemRecordSelect+`
WHERE i.item_id = ANY($1)
ORDER BY i.published_at, i.item_id
`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	return scanItemRecords(rows, len(itemIDs))
}

// ListUnclusteredItems returns the subset of itemIDs that has no cluster yet,
// in stable published/id order. Retried runs pick up items a previous attempt
// persisted but never clustered.
func (p *Pool) ListUnclusteredItems(ctx context.Context, itemIDs []int64) ([]ItemRecord, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	rows, err := p.Query(ctx, itemRecordSelect+`
WHERE i.item_id = ANY($1)
  AND NOT EXISTS (
	SELECT 1 FROM loom.cluster_members cm WHERE cm.item_id = i.item_id
  )
ORDER BY i.published_at, i.item_id
`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("query unclustered items: %w", err)
	}
	return scanItemRecords(rows, len(itemIDs))
}

// ListRecentItems returns the newest items of an account, used for topic drift.
func (p *Pool) ListRecentItems(ctx context.Context, accountID int64, limit int) ([]ItemRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	rows, err := p.Query(ctx, itemRecordSelect+`
WHERE i.account_id = $1
ORDER BY i.published_at DESC, i.item_id DESC
LIMIT $2
`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent items: %w", err)
	}
	return scanItemRecords(rows, limit)
}

// ItemFilterState is the pre-cluster filter decision for one item.
type ItemFilterState struct {
	ItemID int64
	State  string
	RuleID *int64
}

func (p *Pool) SetItemFilterStates(ctx context.Context, states []ItemFilterState) error {
	if len(states) == 0 {
		return nil
	}
	args := make([]any, 0, len(states)*3)
	for _, s := range states {
		args = append(args, s.ItemID, s.State, s.RuleID)
	}
	q := `
UPDATE loom.items i
SET filter_state = v.state::loom.filter_state, filter_rule_id = v.rule_id, updated_at = now()
FROM (VALUES ` + valuesList(len(states), []string{"bigint", "text", "bigint"}, 0) + `) AS v(item_id, state, rule_id)
WHERE i.item_id = v.item_id
`
	if _, err := p.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("set item filter states: %w", err)
	}
	return nil
}

// SetItemHeroImage fills the hero image only when none is stored.
func (p *Pool) SetItemHeroImage(ctx context.Context, itemID int64, imageURL string) error {
	const q = `
UPDATE loom.items
SET hero_image_url = $2, updated_at = now()
WHERE item_id = $1
  AND hero_image_url IS NULL
`
	if _, err := p.Exec(ctx, q, itemID, strings.TrimSpace(imageURL)); err != nil {
		return fmt.Errorf("set hero image item_id=%d: %w", itemID, err)
	}
	return nil
}

func (p *Pool) SetItemFullText(ctx context.Context, itemID int64, text string) error {
	if _, err := p.Exec(ctx, `UPDATE loom.items SET full_text = $2, updated_at = now() WHERE item_id = $1`, itemID, text); err != nil {
		return fmt.Errorf("set full text item_id=%d: %w", itemID, err)
	}
	return nil
}

func (p *Pool) SetItemLanguage(ctx context.Context, itemID int64, language string) error {
	if _, err := p.Exec(ctx, `UPDATE loom.items SET language = $2, updated_at = now() WHERE item_id = $1`, itemID, language); err != nil {
		return fmt.Errorf("set language item_id=%d: %w", itemID, err)
	}
	return nil
}

func (p *Pool) SetItemAISummary(ctx context.Context, itemID int64, summary string) error {
	if _, err := p.Exec(ctx, `UPDATE loom.items SET ai_summary = $2, updated_at = now() WHERE item_id = $1`, itemID, summary); err != nil {
		return fmt.Errorf("set ai summary item_id=%d: %w", itemID, err)
	}
	return nil
}

func (p *Pool) SetItemRelevance(ctx context.Context, itemID int64, score float64, label string) error {
	const q = `
UPDATE loom.items
SET relevance_score = $2, relevance_label = $3, updated_at = now()
WHERE item_id = $1
`
	if _, err := p.Exec(ctx, q, itemID, score, label); err != nil {
		return fmt.Errorf("set relevance item_id=%d: %w", itemID, err)
	}
	return nil
}
