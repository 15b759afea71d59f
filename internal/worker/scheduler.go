package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/globaltime"
	"horse.fit/newsloom/internal/jobs"
)

// Scheduler enqueues the recurring jobs. Every enqueue carries a dedup key
// derived from its slot, so several schedulers can run side by side.
type Scheduler struct {
	queue        Enqueuer
	pollInterval time.Duration
	dailyHour    int
	logger       zerolog.Logger
}

func NewScheduler(queue Enqueuer, pollInterval time.Duration, dailyHourUTC int, logger zerolog.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Minute
	}
	return &Scheduler{queue: queue, pollInterval: pollInterval, dailyHour: dailyHourUTC, logger: logger}
}

// Run enqueues a due-feed sweep immediately and then every poll interval, and
// the daily jobs at the configured hour, until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.PollTick(ctx, globaltime.UTC())

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	daily := time.NewTimer(time.Until(NextDaily(globaltime.UTC(), s.dailyHour)))
	defer daily.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.PollTick(ctx, globaltime.UTC())
		case <-daily.C:
			now := globaltime.UTC()
			s.DailyTick(ctx, now)
			daily.Reset(time.Until(NextDaily(now.Add(time.Minute), s.dailyHour)))
		}
	}
}

// PollTick enqueues one poll_due_feeds job for the interval slot containing now.
func (s *Scheduler) PollTick(ctx context.Context, now time.Time) {
	slot := now.UTC().Truncate(s.pollInterval)
	s.enqueue(ctx, jobs.KindPollDueFeeds, nil, jobs.KindPollDueFeeds+":"+slot.Format(time.RFC3339))
}

// DailyTick enqueues the digest, topic drift and prune jobs for now's day.
func (s *Scheduler) DailyTick(ctx context.Context, now time.Time) {
	day := now.UTC().Format("2006-01-02")
	for _, kind := range []string{jobs.KindDigest, jobs.KindTopicDrift, jobs.KindPruneJobs} {
		var payload any
		if kind != jobs.KindPruneJobs {
			payload = AccountPayload{}
		}
		s.enqueue(ctx, kind, payload, kind+":"+day)
	}
}

func (s *Scheduler) enqueue(ctx context.Context, kind string, payload any, dedup string) {
	id, enqueued, err := s.queue.Enqueue(ctx, kind, payload, jobs.EnqueueOptions{DedupKey: dedup})
	if err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("schedule job failed")
		return
	}
	if !enqueued {
		s.logger.Debug().Str("kind", kind).Str("dedup_key", dedup).Msg("job already pending")
		return
	}
	s.logger.Debug().Str("kind", kind).Str("job_id", id).Msg("job scheduled")
}

// NextDaily returns the first instant at hour:00 UTC strictly after now.
func NextDaily(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
