// Package worker schedules recurring jobs and binds job kinds to the
// pipeline, digest and topic drift services.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/breaker"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/digest"
	"horse.fit/newsloom/internal/enrich"
	"horse.fit/newsloom/internal/globaltime"
	"horse.fit/newsloom/internal/jobs"
	"horse.fit/newsloom/internal/pipeline"
)

const (
	dueFeedLimit       = 500
	finishedJobMaxAge  = 7 * 24 * time.Hour
	processFeedDedupNS = "process_feed:"
)

// FeedPayload is the process_feed job body.
type FeedPayload struct {
	FeedID int64 `json:"feed_id"`
	Force  bool  `json:"force,omitempty"`
}

// AccountPayload targets one account. AccountID 0 fans out to every account.
type AccountPayload struct {
	AccountID int64 `json:"account_id,omitempty"`
	Force     bool  `json:"force,omitempty"`
}

type Store interface {
	ListDueFeeds(ctx context.Context, now time.Time, limit int) ([]db.DueFeed, error)
	ListAccountIDs(ctx context.Context) ([]int64, error)
	GetAccountAIDailyCallCap(ctx context.Context, accountID int64) (int, error)
	PruneFinishedJobs(ctx context.Context, before time.Time) (int64, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts jobs.EnqueueOptions) (string, bool, error)
}

type FeedProcessor interface {
	Process(ctx context.Context, feedID int64, opts pipeline.RunOptions) (pipeline.Report, error)
	RecordFailure(ctx context.Context, feedID int64, cause error) (breaker.State, error)
}

type DigestBuilder interface {
	Run(ctx context.Context, req digest.Request) (digest.Result, error)
}

type DriftDetector interface {
	DetectDrift(ctx context.Context, account enrich.Account) (enrich.DriftResult, error)
}

// Handlers implements every job kind. Digest and Drift may be nil, in which
// case their jobs complete without work.
type Handlers struct {
	Store    Store
	Queue    Enqueuer
	Pipeline FeedProcessor
	Digest   DigestBuilder
	Drift    DriftDetector
	Logger   zerolog.Logger
}

// Register binds the handlers and the feed failure hook to runner.
func (h *Handlers) Register(runner *jobs.Runner) {
	runner.Handle(jobs.KindPollDueFeeds, h.pollDueFeeds)
	runner.Handle(jobs.KindProcessFeed, h.processFeed)
	runner.Handle(jobs.KindDigest, h.digest)
	runner.Handle(jobs.KindTopicDrift, h.topicDrift)
	runner.Handle(jobs.KindPruneJobs, h.pruneJobs)
	runner.OnFailure(jobs.KindProcessFeed, h.feedFailed)
}

// EnqueueFeed queues one feed run. Runs for the same feed are deduplicated
// while one is pending.
func EnqueueFeed(ctx context.Context, q Enqueuer, feedID int64, force bool) (string, bool, error) {
	return q.Enqueue(ctx, jobs.KindProcessFeed, FeedPayload{FeedID: feedID, Force: force}, jobs.EnqueueOptions{
		DedupKey: processFeedDedupNS + strconv.FormatInt(feedID, 10),
	})
}

func (h *Handlers) pollDueFeeds(ctx context.Context, _ jobs.Job) error {
	due, err := h.Store.ListDueFeeds(ctx, globaltime.UTC(), dueFeedLimit)
	if err != nil {
		return err
	}
	enqueued := 0
	for _, f := range due {
		_, ok, err := EnqueueFeed(ctx, h.Queue, f.FeedID, false)
		if err != nil {
			return fmt.Errorf("enqueue feed %d: %w", f.FeedID, err)
		}
		if ok {
			enqueued++
		}
	}
	h.Logger.Info().Int("due", len(due)).Int("enqueued", enqueued).Msg("due feeds enqueued")
	return nil
}

func (h *Handlers) processFeed(ctx context.Context, job jobs.Job) error {
	var payload FeedPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if payload.FeedID <= 0 {
		return jobs.Permanent(fmt.Errorf("process_feed requires feed_id"))
	}
	_, err := h.Pipeline.Process(ctx, payload.FeedID, pipeline.RunOptions{Force: payload.Force, Retry: job.Attempts > 1})
	return err
}

// feedFailed feeds failed poll attempts into the breaker so backoff and the
// circuit advance together. Store errors and shutdown interruptions say
// nothing about the feed and are left out.
func (h *Handlers) feedFailed(ctx context.Context, job jobs.Job, err error, final bool) {
	if errors.Is(err, context.Canceled) || !pipeline.IsPollFailure(err) {
		return
	}
	var payload FeedPayload
	if job.Decode(&payload) != nil || payload.FeedID <= 0 {
		return
	}
	if _, recErr := h.Pipeline.RecordFailure(ctx, payload.FeedID, err); recErr != nil {
		h.Logger.Error().Err(recErr).Int64("feed_id", payload.FeedID).Bool("final", final).Msg("record feed failure failed")
	}
}

func (h *Handlers) digest(ctx context.Context, job jobs.Job) error {
	if h.Digest == nil {
		return nil
	}
	var payload AccountPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	return h.eachAccount(ctx, payload.AccountID, func(ctx context.Context, accountID int64, aiCap int) error {
		result, err := h.Digest.Run(ctx, digest.Request{AccountID: accountID, AICallCap: aiCap, Force: payload.Force})
		if err != nil {
			return err
		}
		h.Logger.Info().
			Int64("account_id", accountID).
			Bool("created", result.Created).
			Str("trigger", string(result.Trigger)).
			Str("reason", result.Reason).
			Int("entries", result.Entries).
			Msg("digest job finished")
		return nil
	})
}

func (h *Handlers) topicDrift(ctx context.Context, job jobs.Job) error {
	if h.Drift == nil {
		return nil
	}
	var payload AccountPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	return h.eachAccount(ctx, payload.AccountID, func(ctx context.Context, accountID int64, aiCap int) error {
		result, err := h.Drift.DetectDrift(ctx, enrich.Account{ID: accountID, AICallCap: aiCap})
		if err != nil {
			return err
		}
		h.Logger.Info().
			Int64("account_id", accountID).
			Int("sampled", result.Sampled).
			Float64("ratio", result.Ratio).
			Bool("drift", result.Drift).
			Str("skipped", result.Skipped).
			Msg("topic drift checked")
		return nil
	})
}

func (h *Handlers) pruneJobs(ctx context.Context, _ jobs.Job) error {
	removed, err := h.Store.PruneFinishedJobs(ctx, globaltime.UTC().Add(-finishedJobMaxAge))
	if err != nil {
		return err
	}
	h.Logger.Info().Int64("removed", removed).Msg("finished jobs pruned")
	return nil
}

// eachAccount runs fn for accountID, or for every account when it is 0. One
// account's failure does not stop the others; the first error is returned
// after all accounts ran.
func (h *Handlers) eachAccount(ctx context.Context, accountID int64, fn func(ctx context.Context, accountID int64, aiCap int) error) error {
	ids := []int64{accountID}
	if accountID == 0 {
		all, err := h.Store.ListAccountIDs(ctx)
		if err != nil {
			return err
		}
		ids = all
	}

	var firstErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		aiCap, err := h.Store.GetAccountAIDailyCallCap(ctx, id)
		if err != nil {
			if db.IsNoRows(err) {
				if accountID != 0 {
					return jobs.Permanent(fmt.Errorf("account %d not found", id))
				}
				continue
			}
			return err
		}
		if err := fn(ctx, id, aiCap); err != nil {
			h.Logger.Warn().Err(err).Int64("account_id", id).Msg("account job failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("account %d: %w", id, err)
			}
		}
	}
	return firstErr
}
