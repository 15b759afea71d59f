package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobParams enqueues one job. A non-nil DedupKey suppresses the insert while
// another job with the same key is queued or running.
type JobParams struct {
	JobID       string
	Kind        string
	Payload     json.RawMessage
	DedupKey    *string
	RunAt       time.Time
	MaxAttempts int
}

// JobRow is one claimed job.
type JobRow struct {
	JobID       string
	Kind        string
	Payload     json.RawMessage
	DedupKey    *string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
}

// JobStatusCount is one (kind, status) bucket.
type JobStatusCount struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func (p *Pool) EnqueueJob(ctx context.Context, job JobParams) (bool, error) {
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	const q = `
INSERT INTO loom.jobs (job_id, kind, payload, dedup_key, run_at, max_attempts)
VALUES ($1::uuid, $2, $3::jsonb, $4, $5, $6)
ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL AND status IN ('queued', 'running')
DO NOTHING
`
	tag, err := p.Exec(ctx, q, job.JobID, job.Kind, string(payload), job.DedupKey, job.RunAt.UTC(), job.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("enqueue job kind=%s: %w", job.Kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimJob leases the oldest runnable job. Jobs whose lease expired while
// running are claimable again.
func (p *Pool) ClaimJob(ctx context.Context, kinds []string, now time.Time, lease time.Duration) (JobRow, bool, error) {
	if kinds == nil {
		kinds = []string{}
	}
	const q = `
UPDATE loom.jobs j
SET
	status = 'running',
	attempts = j.attempts + 1,
	locked_until = $2,
	updated_at = $1
WHERE j.job_id = (
	SELECT c.job_id
	FROM loom.jobs c
	WHERE (
		(c.status = 'queued' AND c.run_at <= $1)
		OR (c.status = 'running' AND c.locked_until < $1)
	)
	  AND (cardinality($3::text[]) = 0 OR c.kind = ANY($3::text[]))
	ORDER BY c.run_at, c.created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING j.job_id::text, j.kind, j.payload, j.dedup_key, j.attempts, j.max_attempts, j.run_at
`
	var row JobRow
	var payload []byte
	err := p.QueryRow(ctx, q, now.UTC(), now.UTC().Add(lease), kinds).Scan(
		&row.JobID,
		&row.Kind,
		&payload,
		&row.DedupKey,
		&row.Attempts,
		&row.MaxAttempts,
		&row.RunAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return JobRow{}, false, nil
		}
		return JobRow{}, false, fmt.Errorf("claim job: %w", err)
	}
	row.Payload = json.RawMessage(payload)
	return row, true, nil
}

func (p *Pool) CompleteJob(ctx context.Context, jobID string) error {
	const q = `
UPDATE loom.jobs
SET status = 'succeeded', locked_until = NULL, last_error = NULL, updated_at = now()
WHERE job_id = $1::uuid
`
	if _, err := p.Exec(ctx, q, jobID); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

func (p *Pool) RetryJob(ctx context.Context, jobID string, runAt time.Time, cause string) error {
	const q = `
UPDATE loom.jobs
SET status = 'queued', run_at = $2, locked_until = NULL, last_error = $3, updated_at = now()
WHERE job_id = $1::uuid
`
	if _, err := p.Exec(ctx, q, jobID, runAt.UTC(), truncateError(cause)); err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	return nil
}

func (p *Pool) FailJob(ctx context.Context, jobID string, cause string) error {
	const q = `
UPDATE loom.jobs
SET status = 'failed', locked_until = NULL, last_error = $2, updated_at = now()
WHERE job_id = $1::uuid
`
	if _, err := p.Exec(ctx, q, jobID, truncateError(cause)); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return nil
}

func (p *Pool) JobStatusCounts(ctx context.Context) ([]JobStatusCount, error) {
	const q = `
SELECT kind, status::text, COUNT(*)::BIGINT
FROM loom.jobs
GROUP BY kind, status
ORDER BY kind, status
`
	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query job status counts: %w", err)
	}
	defer rows.Close()

	out := make([]JobStatusCount, 0, 16)
	for rows.Next() {
		var row JobStatusCount
		if err := rows.Scan(&row.Kind, &row.Status, &row.Count); err != nil {
			return nil, fmt.Errorf("scan job status count: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job status counts: %w", err)
	}
	return out, nil
}

// PruneFinishedJobs deletes succeeded and failed jobs older than before.
func (p *Pool) PruneFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.Exec(ctx, `DELETE FROM loom.jobs WHERE status IN ('succeeded', 'failed') AND updated_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
