// Package ingest turns parsed feed entries into stored items.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/feed"
	"horse.fit/newsloom/internal/language"
	"horse.fit/newsloom/internal/reader"
	"horse.fit/newsloom/internal/similarity"
	"horse.fit/newsloom/internal/urlnorm"
)

// maxBatchRows keeps one statement under the postgres bind parameter limit.
const maxBatchRows = 500

// Store is the persistence surface the upserter needs.
type Store interface {
	UpsertItemsByGUID(ctx context.Context, items []db.ItemUpsertParams) ([]db.UpsertedItem, error)
	UpsertItemsByURL(ctx context.Context, items []db.ItemUpsertParams) ([]db.UpsertedItem, error)
	UpsertItem(ctx context.Context, item db.ItemUpsertParams) (db.UpsertedItem, error)
}

// FailedItem is one entry that could not be stored.
type FailedItem struct {
	GUID string
	URL  string
	Err  error
}

// UpsertResult splits stored rows into inserted and updated ids.
type UpsertResult struct {
	Items    []db.UpsertedItem
	Inserted []int64
	Updated  []int64
	Failed   []FailedItem
}

// ItemIDs returns every stored id, inserted first.
func (r UpsertResult) ItemIDs() []int64 {
	out := make([]int64, 0, len(r.Inserted)+len(r.Updated))
	out = append(out, r.Inserted...)
	return append(out, r.Updated...)
}

type Upserter struct {
	store  Store
	logger zerolog.Logger
}

func NewUpserter(store Store, logger zerolog.Logger) *Upserter {
	return &Upserter{
		store:  store,
		logger: logger,
	}
}

// Upsert stores items idempotently. guid-bearing entries are keyed by guid,
// the rest by canonical URL plus published time. A failed batch is retried
// row by row; rows that still fail are reported in Failed and never abort
// the call.
func (u *Upserter) Upsert(ctx context.Context, accountID, feedID int64, items []feed.ParsedItem) (UpsertResult, error) {
	if u == nil || u.store == nil {
		return UpsertResult{}, fmt.Errorf("upserter is not initialized")
	}

	byGUID, byURL := Partition(accountID, feedID, items)

	var result UpsertResult
	for _, chunk := range chunks(byGUID, maxBatchRows) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		u.upsertChunk(ctx, chunk, u.store.UpsertItemsByGUID, &result)
	}
	for _, chunk := range chunks(byURL, maxBatchRows) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		u.upsertChunk(ctx, chunk, u.store.UpsertItemsByURL, &result)
	}

	u.logger.Debug().
		Int64("account_id", accountID).
		Int64("feed_id", feedID).
		Int("inserted", len(result.Inserted)).
		Int("updated", len(result.Updated)).
		Int("failed", len(result.Failed)).
		Msg("items upserted")

	return result, nil
}

func (u *Upserter) upsertChunk(
	ctx context.Context,
	chunk []db.ItemUpsertParams,
	batch func(context.Context, []db.ItemUpsertParams) ([]db.UpsertedItem, error),
	result *UpsertResult,
) {
	rows, err := batch(ctx, chunk)
	if err == nil {
		result.add(rows...)
		return
	}

	u.logger.Warn().
		Err(err).
		Int("rows", len(chunk)).
		Msg("batch upsert failed; falling back to per-item upsert")

	for _, item := range chunk {
		row, err := u.store.UpsertItem(ctx, item)
		if err != nil {
			failed := FailedItem{URL: item.URL, Err: err}
			if item.GUID != nil {
				failed.GUID = *item.GUID
			}
			result.Failed = append(result.Failed, failed)
			u.logger.Warn().
				Err(err).
				Int64("feed_id", item.FeedID).
				Str("guid", failed.GUID).
				Str("url", item.URL).
				Msg("item upsert failed")
			continue
		}
		result.add(row)
	}
}

func (r *UpsertResult) add(rows ...db.UpsertedItem) {
	for _, row := range rows {
		r.Items = append(r.Items, row)
		if row.Inserted {
			r.Inserted = append(r.Inserted, row.ItemID)
		} else {
			r.Updated = append(r.Updated, row.ItemID)
		}
	}
}

// Partition builds upsert rows and splits them by identity. A later entry
// with the same identity replaces an earlier one so a single statement never
// touches the same row twice.
func Partition(accountID, feedID int64, items []feed.ParsedItem) ([]db.ItemUpsertParams, []db.ItemUpsertParams) {
	byGUID := make([]db.ItemUpsertParams, 0, len(items))
	byURL := make([]db.ItemUpsertParams, 0, len(items))
	guidIndex := make(map[string]int, len(items))
	urlIndex := make(map[string]int, len(items))

	for _, item := range items {
		params, ok := buildParams(accountID, feedID, item)
		if !ok {
			continue
		}
		if params.GUID != nil {
			if idx, seen := guidIndex[*params.GUID]; seen {
				byGUID[idx] = params
				continue
			}
			guidIndex[*params.GUID] = len(byGUID)
			byGUID = append(byGUID, params)
			continue
		}

		key := params.CanonicalURL + "\x00" + params.PublishedAt.UTC().Format(time.RFC3339Nano)
		if idx, seen := urlIndex[key]; seen {
			byURL[idx] = params
			continue
		}
		urlIndex[key] = len(byURL)
		byURL = append(byURL, params)
	}
	return byGUID, byURL
}

func buildParams(accountID, feedID int64, item feed.ParsedItem) (db.ItemUpsertParams, bool) {
	rawURL := strings.TrimSpace(item.URL)
	guid := strings.TrimSpace(item.GUID)
	if rawURL == "" && guid == "" {
		return db.ItemUpsertParams{}, false
	}

	canonical := urlnorm.Canonicalize(rawURL)
	if rawURL == "" {
		canonical = ""
	}

	summary := strings.TrimSpace(item.Summary)
	features := similarity.Extract(item.Title, reader.PlainText(summary))

	params := db.ItemUpsertParams{
		AccountID:        accountID,
		FeedID:           feedID,
		URL:              rawURL,
		CanonicalURL:     canonical,
		CanonicalURLHash: urlnorm.Hash(canonical),
		Title:            strings.TrimSpace(item.Title),
		Summary:          summary,
		PublishedAt:      item.PublishedAt.UTC(),
		Simhash:          int64(features.Simhash),
	}
	if guid != "" {
		params.GUID = &guid
	}
	if author := strings.TrimSpace(item.Author); author != "" {
		params.Author = &author
	}
	if hero := strings.TrimSpace(item.HeroImage); hero != "" {
		params.HeroImageURL = &hero
	}
	if lang := language.NormalizeCode(item.Language); lang != "" {
		params.Language = &lang
	}
	return params, true
}

func chunks(items []db.ItemUpsertParams, size int) [][]db.ItemUpsertParams {
	if len(items) == 0 {
		return nil
	}
	out := make([][]db.ItemUpsertParams, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
