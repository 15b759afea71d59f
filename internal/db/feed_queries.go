package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"horse.fit/newsloom/internal/breaker"
)

// FeedRunRow is everything a pipeline run needs about one feed and its account.
type FeedRunRow struct {
	FeedID              int64
	AccountID           int64
	FolderID            *int64
	URL                 string
	Title               string
	Weight              string
	ETag                *string
	LastModified        *string
	LastPolledAt        *time.Time
	ConsecutiveFailures int
	CircuitOpenUntil    *time.Time
	MinPollMinutes      int
	DailyItemCap        int
	AIDailyCallCap      int
}

// DueFeed is one row of the due-feed selection.
type DueFeed struct {
	FeedID         int64      `json:"feed_id"`
	AccountID      int64      `json:"account_id"`
	URL            string     `json:"url"`
	LastPolledAt   *time.Time `json:"last_polled_at,omitempty"`
	MinPollMinutes int        `json:"min_poll_minutes"`
}

func (p *Pool) GetFeedRun(ctx context.Context, feedID int64) (FeedRunRow, error) {
	const q = `
SELECT
	f.feed_id,
	f.account_id,
	f.folder_id,
	f.url,
	f.title,
	f.weight::text,
	f.etag,
	f.last_modified,
	f.last_polled_at,
	f.consecutive_failures,
	f.circuit_open_until,
	a.min_poll_minutes,
	a.daily_item_cap,
	a.ai_daily_call_cap
FROM loom.feeds f
JOIN loom.accounts a
	ON a.account_id = f.account_id
WHERE f.feed_id = $1
`

	var row FeedRunRow
	err := p.QueryRow(ctx, q, feedID).Scan(
		&row.FeedID,
		&row.AccountID,
		&row.FolderID,
		&row.URL,
		&row.Title,
		&row.Weight,
		&row.ETag,
		&row.LastModified,
		&row.LastPolledAt,
		&row.ConsecutiveFailures,
		&row.CircuitOpenUntil,
		&row.MinPollMinutes,
		&row.DailyItemCap,
		&row.AIDailyCallCap,
	)
	if err != nil {
		if IsNoRows(err) {
			return FeedRunRow{}, ErrNoRows
		}
		return FeedRunRow{}, fmt.Errorf("query feed run feed_id=%d: %w", feedID, err)
	}
	return row, nil
}

// ListDueFeeds returns feeds whose plan interval elapsed. Feeds with an open
// circuit are excluded entirely.
func (p *Pool) ListDueFeeds(ctx context.Context, now time.Time, limit int) ([]DueFeed, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	const q = `
SELECT
	f.feed_id,
	f.account_id,
	f.url,
	f.last_polled_at,
	a.min_poll_minutes
FROM loom.feeds f
JOIN loom.accounts a
	ON a.account_id = f.account_id
WHERE (f.circuit_open_until IS NULL OR f.circuit_open_until <= $1)
  AND (
	f.last_polled_at IS NULL
	OR f.last_polled_at + make_interval(mins => a.min_poll_minutes) <= $1
  )
ORDER BY f.last_polled_at NULLS FIRST, f.feed_id
LIMIT $2
`

	rows, err := p.Query(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due feeds: %w", err)
	}
	defer rows.Close()

	feeds := make([]DueFeed, 0, limit)
	for rows.Next() {
		var row DueFeed
		if err := rows.Scan(&row.FeedID, &row.AccountID, &row.URL, &row.LastPolledAt, &row.MinPollMinutes); err != nil {
			return nil, fmt.Errorf("scan due feed row: %w", err)
		}
		feeds = append(feeds, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due feed rows: %w", err)
	}
	return feeds, nil
}

// SaveFeedValidators stores conditional-fetch validators and the poll time.
// Nil validators keep the stored values.
func (p *Pool) SaveFeedValidators(ctx context.Context, feedID int64, etag, lastModified *string, polledAt time.Time) error {
	const q = `
UPDATE loom.feeds
SET
	etag = COALESCE($2, etag),
	last_modified = COALESCE($3, last_modified),
	last_polled_at = $4,
	updated_at = $4
WHERE feed_id = $1
`
	if _, err := p.Exec(ctx, q, feedID, nullableTrimmed(etag), nullableTrimmed(lastModified), polledAt.UTC()); err != nil {
		return fmt.Errorf("save feed validators feed_id=%d: %w", feedID, err)
	}
	return nil
}

// RecordFeedSuccess closes the breaker and refreshes the title when the feed
// reports one.
func (p *Pool) RecordFeedSuccess(ctx context.Context, feedID int64, title string, now time.Time) error {
	state := breaker.OnSuccess(breaker.State{})

	const q = `
UPDATE loom.feeds
SET
	consecutive_failures = $2,
	circuit_open_until = $3,
	last_error = NULL,
	title = CASE WHEN $4 = '' THEN title ELSE $4 END,
	updated_at = $5
WHERE feed_id = $1
`
	if _, err := p.Exec(ctx, q, feedID, state.ConsecutiveFailures, state.OpenUntil, strings.TrimSpace(title), now.UTC()); err != nil {
		return fmt.Errorf("record feed success feed_id=%d: %w", feedID, err)
	}
	return nil
}

// RecordFeedFailure increments the breaker under a row lock and returns the new state.
func (p *Pool) RecordFeedFailure(ctx context.Context, feedID int64, cause string, now time.Time) (breaker.State, error) {
	var next breaker.State
	err := p.WithTx(ctx, func(tx Tx) error {
		var current breaker.State
		err := tx.QueryRow(ctx, `
SELECT consecutive_failures, circuit_open_until
FROM loom.feeds
WHERE feed_id = $1
FOR UPDATE
`, feedID).Scan(&current.ConsecutiveFailures, &current.OpenUntil)
		if err != nil {
			if IsNoRows(err) {
				return ErrNoRows
			}
			return fmt.Errorf("lock feed breaker row: %w", err)
		}

		next = breaker.OnFailure(current, now)
		if _, err := tx.Exec(ctx, `
UPDATE loom.feeds
SET
	consecutive_failures = $2,
	circuit_open_until = $3,
	last_error = $4,
	last_polled_at = $5,
	updated_at = $5
WHERE feed_id = $1
`, feedID, next.ConsecutiveFailures, next.OpenUntil, truncateError(cause), now.UTC()); err != nil {
			return fmt.Errorf("update feed breaker row: %w", err)
		}
		return nil
	})
	if err != nil {
		return breaker.State{}, fmt.Errorf("record feed failure feed_id=%d: %w", feedID, err)
	}
	return next, nil
}

func (p *Pool) SetFeedClassificationStatus(ctx context.Context, feedID int64, status string) error {
	if _, err := p.Exec(ctx, `UPDATE loom.feeds SET classification_status = $2, updated_at = now() WHERE feed_id = $1`, feedID, status); err != nil {
		return fmt.Errorf("set feed classification status feed_id=%d: %w", feedID, err)
	}
	return nil
}

func nullableTrimmed(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func truncateError(message string) string {
	const maxLen = 1000
	message = strings.TrimSpace(message)
	if len(message) <= maxLen {
		return message
	}
	return message[:maxLen]
}
