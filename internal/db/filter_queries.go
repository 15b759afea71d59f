package db

import (
	"context"
	"fmt"
	"strings"
)

// FilterRuleRow is one enabled filter rule.
type FilterRuleRow struct {
	RuleID    int64
	Pattern   string
	Target    string
	MatchType string
	Mode      string
	Breakout  bool
	FeedID    *int64
	FolderID  *int64
	Position  int
}

// FilterRuleParams creates one filter rule.
type FilterRuleParams struct {
	Pattern   string
	Target    string
	MatchType string
	Mode      string
	Breakout  bool
	FeedID    *int64
	FolderID  *int64
	Position  int
}

// FilterEventParams records one hide or breakout decision on a cluster.
type FilterEventParams struct {
	AccountID int64
	ClusterID int64
	ItemID    int64
	RuleID    *int64
	Action    string
	Reason    string
}

func (p *Pool) ListFilterRules(ctx context.Context, accountID int64) ([]FilterRuleRow, error) {
	const q = `
SELECT rule_id, pattern, target, match_type, mode, breakout, feed_id, folder_id, position
FROM loom.filter_rules
WHERE account_id = $1
  AND enabled
ORDER BY position, rule_id
`
	rows, err := p.Query(ctx, q, accountID)
	if err != nil {
		return nil, fmt.Errorf("query filter rules: %w", err)
	}
	defer rows.Close()

	out := make([]FilterRuleRow, 0, 16)
	for rows.Next() {
		var row FilterRuleRow
		if err := rows.Scan(
			&row.RuleID,
			&row.Pattern,
			&row.Target,
			&row.MatchType,
			&row.Mode,
			&row.Breakout,
			&row.FeedID,
			&row.FolderID,
			&row.Position,
		); err != nil {
			return nil, fmt.Errorf("scan filter rule: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filter rules: %w", err)
	}
	return out, nil
}

// ReplaceFilterRules swaps an account's rule set atomically.
func (p *Pool) ReplaceFilterRules(ctx context.Context, accountID int64, rules []FilterRuleParams) (int, error) {
	err := p.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM loom.filter_rules WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("delete filter rules: %w", err)
		}
		if len(rules) == 0 {
			return nil
		}

		args := make([]any, 0, len(rules)*9)
		for _, r := range rules {
			args = append(args,
				accountID,
				strings.TrimSpace(r.Pattern),
				r.Target,
				r.MatchType,
				r.Mode,
				r.Breakout,
				r.FeedID,
				r.FolderID,
				r.Position,
			)
		}
		q := `
INSERT INTO loom.filter_rules (account_id, pattern, target, match_type, mode, breakout, feed_id, folder_id, position)
VALUES ` + valuesList(len(rules), []string{"bigint", "text", "text", "text", "text", "boolean", "bigint", "bigint", "integer"}, 0)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("insert filter rules: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replace filter rules account_id=%d: %w", accountID, err)
	}
	return len(rules), nil
}

func (p *Pool) InsertFilterEvents(ctx context.Context, events []FilterEventParams) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]any, 0, len(events)*6)
	for _, e := range events {
		args = append(args, e.AccountID, e.ClusterID, e.ItemID, e.RuleID, e.Action, e.Reason)
	}
	q := `
INSERT INTO loom.filter_events (account_id, cluster_id, item_id, rule_id, action, reason)
VALUES ` + valuesList(len(events), []string{"bigint", "bigint", "bigint", "bigint", "text", "text"}, 0)
	if _, err := p.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("insert filter events: %w", err)
	}
	return nil
}
