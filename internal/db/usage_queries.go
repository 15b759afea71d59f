package db

import (
	"context"
	"fmt"
	"time"
)

const (
	MetricItemsIngested = "items_ingested"
	MetricAICalls       = "ai_calls"
)

// UsageCounters adapts the usage_counters table to one metric. It satisfies
// entitlement.CounterStore.
type UsageCounters struct {
	pool   *Pool
	metric string
}

func (p *Pool) UsageCounters(metric string) *UsageCounters {
	return &UsageCounters{pool: p, metric: metric}
}

// ReserveUsage locks the (account, day, metric) row, grants
// max(0, min(requested, limit-used)) and adds the grant to the counter.
func (u *UsageCounters) ReserveUsage(ctx context.Context, accountID int64, day time.Time, limit, requested int) (int, error) {
	var granted int
	err := u.pool.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO loom.usage_counters (account_id, day, metric, used)
VALUES ($1, $2::date, $3, 0)
ON CONFLICT (account_id, day, metric) DO NOTHING
`, accountID, day, u.metric); err != nil {
			return fmt.Errorf("ensure usage row: %w", err)
		}

		var used int
		if err := tx.QueryRow(ctx, `
SELECT used
FROM loom.usage_counters
WHERE account_id = $1 AND day = $2::date AND metric = $3
FOR UPDATE
`, accountID, day, u.metric).Scan(&used); err != nil {
			return fmt.Errorf("lock usage row: %w", err)
		}

		granted = max(0, min(requested, limit-used))
		if granted == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
UPDATE loom.usage_counters
SET used = used + $4, updated_at = now()
WHERE account_id = $1 AND day = $2::date AND metric = $3
`, accountID, day, u.metric, granted); err != nil {
			return fmt.Errorf("reserve usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return granted, nil
}

func (u *UsageCounters) ReleaseUsage(ctx context.Context, accountID int64, day time.Time, amount int) error {
	if amount <= 0 {
		return nil
	}
	const q = `
UPDATE loom.usage_counters
SET used = GREATEST(0, used - $4), updated_at = now()
WHERE account_id = $1 AND day = $2::date AND metric = $3
`
	if _, err := u.pool.Exec(ctx, q, accountID, day, u.metric, amount); err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	return nil
}

func (u *UsageCounters) IncrementUsage(ctx context.Context, accountID int64, day time.Time, amount int) error {
	if amount <= 0 {
		return nil
	}
	const q = `
INSERT INTO loom.usage_counters AS uc (account_id, day, metric, used)
VALUES ($1, $2::date, $3, $4)
ON CONFLICT (account_id, day, metric)
DO UPDATE SET used = uc.used + EXCLUDED.used, updated_at = now()
`
	if _, err := u.pool.Exec(ctx, q, accountID, day, u.metric, amount); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

// AICallParams is one logged provider call.
type AICallParams struct {
	AccountID    int64
	Purpose      string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	DurationMS   int64
	ErrorTag     *string
}

func (p *Pool) InsertAICall(ctx context.Context, call AICallParams) error {
	const q = `
INSERT INTO loom.ai_calls (account_id, purpose, provider, model, input_tokens, output_tokens, duration_ms, error_tag)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	if _, err := p.Exec(ctx, q,
		call.AccountID,
		call.Purpose,
		call.Provider,
		call.Model,
		call.InputTokens,
		call.OutputTokens,
		call.DurationMS,
		call.ErrorTag,
	); err != nil {
		return fmt.Errorf("insert ai call: %w", err)
	}
	return nil
}
