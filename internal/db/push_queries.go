package db

import (
	"context"
	"fmt"
)

// PushSubscriptionRow is one stored web push endpoint.
type PushSubscriptionRow struct {
	SubscriptionID int64
	AccountID      int64
	Endpoint       string
	P256DH         string
	Auth           string
}

func (p *Pool) ListPushSubscriptions(ctx context.Context, accountID int64) ([]PushSubscriptionRow, error) {
	const q = `
SELECT subscription_id, account_id, endpoint, p256dh, auth
FROM loom.push_subscriptions
WHERE account_id = $1
ORDER BY subscription_id
`
	rows, err := p.Query(ctx, q, accountID)
	if err != nil {
		return nil, fmt.Errorf("query push subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]PushSubscriptionRow, 0, 4)
	for rows.Next() {
		var row PushSubscriptionRow
		if err := rows.Scan(&row.SubscriptionID, &row.AccountID, &row.Endpoint, &row.P256DH, &row.Auth); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push subscriptions: %w", err)
	}
	return out, nil
}

func (p *Pool) DeletePushSubscription(ctx context.Context, subscriptionID int64) error {
	if _, err := p.Exec(ctx, `DELETE FROM loom.push_subscriptions WHERE subscription_id = $1`, subscriptionID); err != nil {
		return fmt.Errorf("delete push subscription %d: %w", subscriptionID, err)
	}
	return nil
}
