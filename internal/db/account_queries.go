package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FolderKeywordRuleRow maps one keyword to a folder.
type FolderKeywordRuleRow struct {
	RuleID   int64
	FolderID int64
	Pattern  string
	IsRegex  bool
	Position int
}

// FolderKeywordRuleParams creates one folder keyword rule.
type FolderKeywordRuleParams struct {
	FolderID int64
	Pattern  string
	IsRegex  bool
	Position int
}

// TopicRow is one topic known for an account.
type TopicRow struct {
	Name     string
	Approved bool
}

func (p *Pool) ListAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.Query(ctx, `SELECT account_id FROM loom.accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("query account ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, 16)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account ids: %w", err)
	}
	return ids, nil
}

func (p *Pool) GetAccountAIDailyCallCap(ctx context.Context, accountID int64) (int, error) {
	var callCap int
	if err := p.QueryRow(ctx, `SELECT ai_daily_call_cap FROM loom.accounts WHERE account_id = $1`, accountID).Scan(&callCap); err != nil {
		if IsNoRows(err) {
			return 0, ErrNoRows
		}
		return 0, fmt.Errorf("query account ai cap account_id=%d: %w", accountID, err)
	}
	return callCap, nil
}

// EnsureFolder returns the folder id for name, creating it when missing.
func (p *Pool) EnsureFolder(ctx context.Context, accountID int64, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("folder name is required")
	}
	const q = `
INSERT INTO loom.folders (account_id, name)
VALUES ($1, $2)
ON CONFLICT (account_id, name) DO UPDATE SET name = EXCLUDED.name
RETURNING folder_id
`
	var folderID int64
	if err := p.QueryRow(ctx, q, accountID, name).Scan(&folderID); err != nil {
		return 0, fmt.Errorf("ensure folder %q: %w", name, err)
	}
	return folderID, nil
}

func (p *Pool) ListFolderKeywordRules(ctx context.Context, accountID int64) ([]FolderKeywordRuleRow, error) {
	const q = `
SELECT rule_id, folder_id, pattern, is_regex, position
FROM loom.folder_keyword_rules
WHERE account_id = $1
ORDER BY position, rule_id
`
	rows, err := p.Query(ctx, q, accountID)
	if err != nil {
		return nil, fmt.Errorf("query folder keyword rules: %w", err)
	}
	defer rows.Close()

	out := make([]FolderKeywordRuleRow, 0, 16)
	for rows.Next() {
		var row FolderKeywordRuleRow
		if err := rows.Scan(&row.RuleID, &row.FolderID, &row.Pattern, &row.IsRegex, &row.Position); err != nil {
			return nil, fmt.Errorf("scan folder keyword rule: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folder keyword rules: %w", err)
	}
	return out, nil
}

func (p *Pool) ReplaceFolderKeywordRules(ctx context.Context, accountID int64, rules []FolderKeywordRuleParams) (int, error) {
	err := p.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM loom.folder_keyword_rules WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("delete folder keyword rules: %w", err)
		}
		if len(rules) == 0 {
			return nil
		}
		args := make([]any, 0, len(rules)*5)
		for _, r := range rules {
			args = append(args, accountID, r.FolderID, strings.TrimSpace(r.Pattern), r.IsRegex, r.Position)
		}
		q := `
INSERT INTO loom.folder_keyword_rules (account_id, folder_id, pattern, is_regex, position)
VALUES ` + valuesList(len(rules), []string{"bigint", "bigint", "text", "boolean", "integer"}, 0)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("insert folder keyword rules: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replace folder keyword rules account_id=%d: %w", accountID, err)
	}
	return len(rules), nil
}

func (p *Pool) ListTopics(ctx context.Context, accountID int64) ([]TopicRow, error) {
	rows, err := p.Query(ctx, `SELECT name, approved FROM loom.topics WHERE account_id = $1 ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	out := make([]TopicRow, 0, 16)
	for rows.Next() {
		var row TopicRow
		if err := rows.Scan(&row.Name, &row.Approved); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return out, nil
}

// AddSuggestedTopics records topics proposed by classification as unapproved.
func (p *Pool) AddSuggestedTopics(ctx context.Context, accountID int64, names []string) error {
	cleaned := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		cleaned = append(cleaned, name)
	}
	if len(cleaned) == 0 {
		return nil
	}
	args := make([]any, 0, len(cleaned)*2)
	for _, name := range cleaned {
		args = append(args, accountID, name)
	}
	q := `
INSERT INTO loom.topics (account_id, name)
VALUES ` + valuesList(len(cleaned), []string{"bigint", "text"}, 0) + `
ON CONFLICT (account_id, name) DO NOTHING
`
	if _, err := p.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("insert suggested topics: %w", err)
	}
	return nil
}

func (p *Pool) SetTopicDrift(ctx context.Context, accountID int64, drift bool, ratio float64, checkedAt time.Time) error {
	const q = `
UPDATE loom.accounts
SET topic_drift = $2, topic_drift_ratio = $3, topic_drift_checked_at = $4, updated_at = $4
WHERE account_id = $1
`
	if _, err := p.Exec(ctx, q, accountID, drift, ratio, checkedAt.UTC()); err != nil {
		return fmt.Errorf("set topic drift account_id=%d: %w", accountID, err)
	}
	return nil
}
