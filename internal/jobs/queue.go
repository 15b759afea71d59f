// Package jobs is a durable job queue with a leasing worker pool.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/globaltime"
)

const (
	KindPollDueFeeds = "poll_due_feeds"
	KindProcessFeed  = "process_feed"
	KindDigest       = "digest"
	KindTopicDrift   = "topic_drift"
	KindPruneJobs    = "prune_jobs"
)

type Job struct {
	ID          string
	Kind        string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
}

// Decode unmarshals the payload into dest.
func (j Job) Decode(dest any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, dest); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Kind, err))
	}
	return nil
}

type EnqueueStore interface {
	EnqueueJob(ctx context.Context, job db.JobParams) (bool, error)
}

// Queue enqueues jobs.
type Queue struct {
	store       EnqueueStore
	maxAttempts int
}

func NewQueue(store EnqueueStore, maxAttempts int) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Queue{store: store, maxAttempts: maxAttempts}
}

type EnqueueOptions struct {
	// DedupKey suppresses the job while another with the same key is queued
	// or running.
	DedupKey    string
	RunAt       time.Time
	MaxAttempts int
}

// Enqueue stores a job and returns its id. enqueued is false when the dedup
// key matched a pending job.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, opts EnqueueOptions) (string, bool, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", false, fmt.Errorf("job kind is required")
	}
	raw := json.RawMessage(`{}`)
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", false, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = encoded
	}

	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = globaltime.UTC()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = q.maxAttempts
	}
	var dedup *string
	if key := strings.TrimSpace(opts.DedupKey); key != "" {
		dedup = &key
	}

	id := uuid.NewString()
	enqueued, err := q.store.EnqueueJob(ctx, db.JobParams{
		JobID:       id,
		Kind:        kind,
		Payload:     raw,
		DedupKey:    dedup,
		RunAt:       runAt,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return "", false, err
	}
	if !enqueued {
		return "", false, nil
	}
	return id, true, nil
}
