package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/db"
)

type memoryJobs struct {
	mu       sync.Mutex
	queued   []db.JobParams
	attempts map[string]int
	done     []string
	failed   map[string]string
	retried  map[string]time.Time
}

func newMemoryJobs() *memoryJobs {
	return &memoryJobs{attempts: map[string]int{}, failed: map[string]string{}, retried: map[string]time.Time{}}
}

func (m *memoryJobs) EnqueueJob(_ context.Context, job db.JobParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.DedupKey != nil {
		for _, q := range m.queued {
			if q.DedupKey != nil && *q.DedupKey == *job.DedupKey {
				return false, nil
			}
		}
	}
	m.queued = append(m.queued, job)
	return true, nil
}

func (m *memoryJobs) ClaimJob(_ context.Context, kinds []string, _ time.Time, _ time.Duration) (db.JobRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, job := range m.queued {
		for _, kind := range kinds {
			if kind != job.Kind {
				continue
			}
			m.queued = append(m.queued[:i], m.queued[i+1:]...)
			m.attempts[job.JobID]++
			return db.JobRow{
				JobID:       job.JobID,
				Kind:        job.Kind,
				Payload:     job.Payload,
				Attempts:    m.attempts[job.JobID],
				MaxAttempts: job.MaxAttempts,
			}, true, nil
		}
	}
	return db.JobRow{}, false, nil
}

func (m *memoryJobs) CompleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = append(m.done, jobID)
	return nil
}

func (m *memoryJobs) RetryJob(_ context.Context, jobID string, runAt time.Time, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried[jobID] = runAt
	return nil
}

func (m *memoryJobs) FailJob(_ context.Context, jobID string, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[jobID] = cause
	return nil
}

func TestQueueEnqueueDedup(t *testing.T) {
	t.Parallel()

	store := newMemoryJobs()
	queue := NewQueue(store, 3)

	id, ok, err := queue.Enqueue(context.Background(), KindProcessFeed, map[string]int64{"feed_id": 7}, EnqueueOptions{DedupKey: "process_feed:7"})
	if err != nil || !ok || id == "" {
		t.Fatalf("first enqueue = (%q, %v, %v)", id, ok, err)
	}
	_, ok, err = queue.Enqueue(context.Background(), KindProcessFeed, map[string]int64{"feed_id": 7}, EnqueueOptions{DedupKey: "process_feed:7"})
	if err != nil || ok {
		t.Fatalf("duplicate enqueue should be suppressed, got ok=%v err=%v", ok, err)
	}
	if len(store.queued) != 1 || store.queued[0].MaxAttempts != 3 {
		t.Fatalf("unexpected queue %+v", store.queued)
	}
	if string(store.queued[0].Payload) != `{"feed_id":7}` {
		t.Fatalf("payload = %s", store.queued[0].Payload)
	}
}

func TestRunnerOutcomes(t *testing.T) {
	t.Parallel()

	store := newMemoryJobs()
	queue := NewQueue(store, 2)
	runner := NewRunner(store, RunnerOptions{Logger: zerolog.Nop(), BackoffBase: time.Minute, BackoffMax: time.Hour})

	var hookCalls []bool
	runner.Handle("ok", func(context.Context, Job) error { return nil })
	runner.Handle("flaky", func(context.Context, Job) error { return errors.New("temporary") })
	runner.Handle("fatal", func(context.Context, Job) error { return Permanent(errors.New("bad url")) })
	runner.Handle("panics", func(context.Context, Job) error { panic("boom") })
	runner.OnFailure("flaky", func(_ context.Context, _ Job, _ error, final bool) {
		hookCalls = append(hookCalls, final)
	})

	okID, _, _ := queue.Enqueue(context.Background(), "ok", nil, EnqueueOptions{})
	flakyID, _, _ := queue.Enqueue(context.Background(), "flaky", nil, EnqueueOptions{})
	fatalID, _, _ := queue.Enqueue(context.Background(), "fatal", nil, EnqueueOptions{})
	panicID, _, _ := queue.Enqueue(context.Background(), "panics", nil, EnqueueOptions{})

	for i := 0; i < 4; i++ {
		ran, err := runner.RunOnce(context.Background())
		if err != nil || !ran {
			t.Fatalf("RunOnce #%d = (%v, %v)", i, ran, err)
		}
	}
	if ran, _ := runner.RunOnce(context.Background()); ran {
		t.Fatalf("queue should be drained")
	}

	if len(store.done) != 1 || store.done[0] != okID {
		t.Fatalf("done = %v", store.done)
	}
	if _, ok := store.retried[flakyID]; !ok {
		t.Fatalf("flaky job should be retried, retried=%v", store.retried)
	}
	if store.failed[fatalID] != "bad url" {
		t.Fatalf("fatal job cause = %q", store.failed[fatalID])
	}
	if _, ok := store.failed[panicID]; !ok {
		t.Fatalf("panicking job should fail permanently")
	}
	if len(hookCalls) != 1 || hookCalls[0] {
		t.Fatalf("hook calls = %v, want one non-final", hookCalls)
	}
}

func TestRunnerFailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	store := newMemoryJobs()
	runner := NewRunner(store, RunnerOptions{Logger: zerolog.Nop()})
	var finals []bool
	runner.Handle("flaky", func(context.Context, Job) error { return errors.New("still down") })
	runner.OnFailure("flaky", func(_ context.Context, _ Job, _ error, final bool) { finals = append(finals, final) })

	store.queued = append(store.queued, db.JobParams{JobID: "j1", Kind: "flaky", Payload: json.RawMessage(`{}`), MaxAttempts: 1})
	if _, err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if store.failed["j1"] != "still down" || len(finals) != 1 || !finals[0] {
		t.Fatalf("failed=%v finals=%v", store.failed, finals)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base, ceiling := 30*time.Second, 10*time.Minute
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	for i, w := range want {
		if got := Backoff(i+1, base, ceiling); got != w {
			t.Fatalf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestJobDecodeRejectsBadPayload(t *testing.T) {
	t.Parallel()

	var dest struct {
		FeedID int64 `json:"feed_id"`
	}
	err := Job{Kind: KindProcessFeed, Payload: json.RawMessage(`{"feed_id":"x"}`)}.Decode(&dest)
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent decode error, got %v", err)
	}
}
