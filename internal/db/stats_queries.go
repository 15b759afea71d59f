package db

import (
	"context"
	"fmt"
	"time"
)

// StatsAccountCount stores per-account pipeline counts.
type StatsAccountCount struct {
	AccountID    int64 `json:"account_id"`
	Feeds        int64 `json:"feeds"`
	OpenCircuits int64 `json:"open_circuits"`
	Items        int64 `json:"items"`
	Clusters     int64 `json:"clusters"`
}

// PipelineThroughput stores daily throughput counters.
type PipelineThroughput struct {
	ItemsIngestedToday   int64 `json:"items_ingested_today"`
	ClustersCreatedToday int64 `json:"clusters_created_today"`
	BreakoutsToday       int64 `json:"breakouts_today"`
	AICallsToday         int64 `json:"ai_calls_today"`
}

// PipelineStats is the read model returned by the stats endpoint.
type PipelineStats struct {
	Day        string              `json:"day"`
	Accounts   []StatsAccountCount `json:"accounts"`
	Throughput PipelineThroughput  `json:"throughput"`
}

// QueryPipelineStats returns per-account counts plus throughput for one UTC day.
func (p *Pool) QueryPipelineStats(ctx context.Context, dayStart, dayEnd, now time.Time) (*PipelineStats, error) {
	startUTC := dayStart.UTC()
	endUTC := dayEnd.UTC()
	if !startUTC.Before(endUTC) {
		return nil, fmt.Errorf("dayStart must be before dayEnd")
	}

	stats := &PipelineStats{
		Day:      startUTC.Format("2006-01-02"),
		Accounts: make([]StatsAccountCount, 0, 16),
	}

	const countsQuery = `
SELECT
	a.account_id,
	(SELECT COUNT(*) FROM loom.feeds f WHERE f.account_id = a.account_id) AS feeds,
	(SELECT COUNT(*) FROM loom.feeds f WHERE f.account_id = a.account_id AND f.circuit_open_until > $1) AS open_circuits,
	(SELECT COUNT(*) FROM loom.items i WHERE i.account_id = a.account_id) AS items,
	(SELECT COUNT(*) FROM loom.clusters c WHERE c.account_id = a.account_id) AS clusters
FROM loom.accounts a
ORDER BY a.account_id
`

	rows, err := p.Query(ctx, countsQuery, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stats account counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row StatsAccountCount
		if err := rows.Scan(&row.AccountID, &row.Feeds, &row.OpenCircuits, &row.Items, &row.Clusters); err != nil {
			return nil, fmt.Errorf("scan stats account row: %w", err)
		}
		stats.Accounts = append(stats.Accounts, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats account rows: %w", err)
	}

	const throughputQuery = `
SELECT
	(SELECT COUNT(*) FROM loom.items i WHERE i.created_at >= $1 AND i.created_at < $2) AS items_ingested_today,
	(SELECT COUNT(*) FROM loom.clusters c WHERE c.created_at >= $1 AND c.created_at < $2) AS clusters_created_today,
	(SELECT COUNT(*) FROM loom.filter_events e WHERE e.action = 'breakout_shown' AND e.created_at >= $1 AND e.created_at < $2) AS breakouts_today,
	(SELECT COUNT(*) FROM loom.ai_calls c WHERE c.created_at >= $1 AND c.created_at < $2) AS ai_calls_today
`

	if err := p.QueryRow(ctx, throughputQuery, startUTC, endUTC).Scan(
		&stats.Throughput.ItemsIngestedToday,
		&stats.Throughput.ClustersCreatedToday,
		&stats.Throughput.BreakoutsToday,
		&stats.Throughput.AICallsToday,
	); err != nil {
		return nil, fmt.Errorf("query stats throughput: %w", err)
	}

	return stats, nil
}
