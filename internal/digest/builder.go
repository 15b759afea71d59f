package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/ai"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/globaltime"
)

const (
	FormatBullets   = "bullets"
	FormatNarrative = "narrative"

	candidateLimit = 500
)

const narrativePrompt = `You write a short morning briefing from a ranked list of news stories.
Lead with the top stories, group related items, and keep it under 250 words.
Plain prose paragraphs, no headings, no invented facts.`

type Store interface {
	GetDigestTriggerStats(ctx context.Context, accountID int64) (db.DigestTriggerStats, error)
	ListDigestCandidates(ctx context.Context, accountID int64, since time.Time, limit int) ([]db.DigestCandidate, error)
	DigestWindowTaken(ctx context.Context, accountID int64, start, end time.Time) (bool, error)
	CreateDigest(ctx context.Context, params db.DigestParams) (int64, bool, error)
}

// Completer is the budgeted AI surface; *ai.Client satisfies it.
type Completer interface {
	Enabled() bool
	Complete(ctx context.Context, accountID int64, dailyCap int, req ai.Request) ai.Completion
}

// Notifier is told about each stored digest.
type Notifier interface {
	NotifyDigest(ctx context.Context, accountID, digestID int64, entries int) error
}

type Options struct {
	Narrative bool
	Logger    zerolog.Logger
}

type Builder struct {
	store     Store
	completer Completer
	notifier  Notifier
	cfg       Config
	narrative bool
	logger    zerolog.Logger
}

func NewBuilder(store Store, completer Completer, notifier Notifier, cfg Config, opts Options) *Builder {
	return &Builder{
		store:     store,
		completer: completer,
		notifier:  notifier,
		cfg:       cfg.withDefaults(),
		narrative: opts.Narrative,
		logger:    opts.Logger,
	}
}

// Request asks for one account's digest. Force skips the trigger decision.
type Request struct {
	AccountID int64
	AICallCap int
	Force     bool
}

type Result struct {
	DigestID int64
	Created  bool
	Trigger  Trigger
	Format   string
	Entries  int
	Reason   string
}

// Run decides whether a digest is due, ranks the unread visible clusters and
// stores the digest. A digest whose window overlaps an existing one is not
// stored again.
func (b *Builder) Run(ctx context.Context, req Request) (Result, error) {
	now := globaltime.UTC()
	stats, err := b.store.GetDigestTriggerStats(ctx, req.AccountID)
	if err != nil {
		return Result{}, fmt.Errorf("load digest trigger stats: %w", err)
	}

	trigger, due := Decide(stats, b.cfg, now)
	if req.Force {
		trigger, due = TriggerManual, true
	}
	if !due {
		return Result{Reason: "not_due"}, nil
	}

	windowStart := now.Add(-b.cfg.Interval)
	if stats.LastDigestAt != nil && stats.LastDigestAt.After(windowStart) {
		windowStart = stats.LastDigestAt.UTC()
	}
	since := windowStart
	if trigger == TriggerAway && stats.LastSeenAt != nil && stats.LastSeenAt.Before(since) {
		since = stats.LastSeenAt.UTC()
	}
	if trigger == TriggerBacklog {
		since = now.Add(-7 * 24 * time.Hour)
	}

	candidates, err := b.store.ListDigestCandidates(ctx, req.AccountID, since, candidateLimit)
	if err != nil {
		return Result{}, fmt.Errorf("list digest candidates: %w", err)
	}
	entries := Rank(candidates, b.cfg)
	if len(entries) == 0 {
		return Result{Trigger: trigger, Reason: "no_candidates"}, nil
	}

	// CreateDigest re-checks under the account lock; this check only keeps a
	// doomed digest from spending an AI call.
	taken, err := b.store.DigestWindowTaken(ctx, req.AccountID, windowStart, now)
	if err != nil {
		return Result{}, fmt.Errorf("check digest window: %w", err)
	}
	if taken {
		return Result{Trigger: trigger, Entries: len(entries), Reason: "window_overlap"}, nil
	}

	format, body, fallback := b.render(ctx, req, entries)

	metadata, err := json.Marshal(map[string]any{
		"trigger":         trigger,
		"candidates":      len(candidates),
		"entries":         len(entries),
		"unread_clusters": stats.UnreadClusters,
		"fallback":        fallback,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode digest metadata: %w", err)
	}

	params := db.DigestParams{
		AccountID:   req.AccountID,
		WindowStart: windowStart,
		WindowEnd:   now,
		Trigger:     string(trigger),
		Format:      format,
		Body:        body,
		Metadata:    metadata,
		Entries:     make([]db.DigestEntryParams, 0, len(entries)),
	}
	for _, entry := range entries {
		params.Entries = append(params.Entries, db.DigestEntryParams{
			ClusterID: entry.Candidate.ClusterID,
			Section:   string(entry.Section),
			Rank:      entry.Rank,
			Score:     entry.Score,
		})
	}

	digestID, created, err := b.store.CreateDigest(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("store digest: %w", err)
	}
	result := Result{DigestID: digestID, Created: created, Trigger: trigger, Format: format, Entries: len(entries)}
	if !created {
		result.Reason = "window_overlap"
		return result, nil
	}

	b.logger.Info().
		Int64("account_id", req.AccountID).
		Int64("digest_id", digestID).
		Str("trigger", string(trigger)).
		Str("format", format).
		Int("entries", len(entries)).
		Msg("digest created")

	if b.notifier != nil {
		if err := b.notifier.NotifyDigest(ctx, req.AccountID, digestID, len(entries)); err != nil {
			b.logger.Warn().Err(err).Int64("account_id", req.AccountID).Str("stage", "notify").Msg("digest notification failed")
		}
	}
	return result, nil
}

// render returns the digest format and body. Any AI failure falls back to
// the bullet list and reports why.
func (b *Builder) render(ctx context.Context, req Request, entries []Entry) (string, string, string) {
	bullets := RenderBullets(entries)
	if !b.narrative {
		return FormatBullets, bullets, ""
	}
	if b.completer == nil || !b.completer.Enabled() {
		return FormatBullets, bullets, ai.TagDisabled
	}

	completion := b.completer.Complete(ctx, req.AccountID, req.AICallCap, ai.Request{
		Purpose: "digest",
		Messages: []ai.Message{
			{Role: ai.RoleSystem, Content: narrativePrompt},
			{Role: ai.RoleUser, Content: narrativeInput(entries)},
		},
		MaxTokens:   600,
		Temperature: ai.Float(0.4),
	})
	if completion.Failed() {
		b.logger.Warn().Int64("account_id", req.AccountID).Str("reason", completion.ErrorTag).Msg("digest narrative unavailable, using bullets")
		return FormatBullets, bullets, completion.ErrorTag
	}
	return FormatNarrative, completion.Text + "\n\n" + bullets, ""
}
