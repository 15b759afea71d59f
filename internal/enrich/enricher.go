// Package enrich runs the optional post-cluster stages: hero images, full
// text, language, AI summaries, relevance and topics.
package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/newsloom/internal/ai"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/globaltime"
)

// Store is the persistence surface of the enrichment stages.
type Store interface {
	SetItemHeroImage(ctx context.Context, itemID int64, imageURL string) error
	SetItemFullText(ctx context.Context, itemID int64, text string) error
	SetItemLanguage(ctx context.Context, itemID int64, language string) error
	SetItemAISummary(ctx context.Context, itemID int64, summary string) error
	SetItemRelevance(ctx context.Context, itemID int64, score float64, label string) error
	SetClusterTopic(ctx context.Context, clusterID int64, topic string) error
	AddSuggestedTopics(ctx context.Context, accountID int64, names []string) error
	ListTopics(ctx context.Context, accountID int64) ([]db.TopicRow, error)
	ListRecentItems(ctx context.Context, accountID int64, limit int) ([]db.ItemRecord, error)
	SetTopicDrift(ctx context.Context, accountID int64, drift bool, ratio float64, checkedAt time.Time) error
}

type ImageScraper interface {
	Scrape(ctx context.Context, pageURL string) (string, error)
}

type TextExtractor interface {
	Extract(ctx context.Context, pageURL string) (string, error)
}

type LanguageDetector interface {
	DetectISO6391(text string) string
}

// Completer is the budgeted AI surface; *ai.Client satisfies it.
type Completer interface {
	Enabled() bool
	Complete(ctx context.Context, accountID int64, dailyCap int, req ai.Request) ai.Completion
}

type Options struct {
	Concurrency      int
	Timeout          time.Duration
	FailureCooldown  time.Duration
	FullTextEnabled  bool
	SummariesEnabled bool
	RelevanceEnabled bool
	TopicsEnabled    bool
	Logger           zerolog.Logger
}

// Account carries the per-run account facts the AI stages need.
type Account struct {
	ID        int64
	AICallCap int
}

// Report counts what one enrichment pass wrote. Skipped lists reasons for
// sub-stages that did not run at all.
type Report struct {
	HeroImages int
	FullTexts  int
	Languages  int
	Summaries  int
	Relevance  int
	Topics     int
	Failures   int
	Skipped    []string
}

func (r *Report) skip(reason string) {
	for _, existing := range r.Skipped {
		if existing == reason {
			return
		}
	}
	r.Skipped = append(r.Skipped, reason)
}

type Enricher struct {
	store    Store
	images   ImageScraper
	text     TextExtractor
	language LanguageDetector
	ai       Completer
	failures *failureCache
	opts     Options
	logger   zerolog.Logger
}

// New wires an Enricher. Any of images, text, language or completer may be
// nil, which skips the matching sub-stage.
func New(store Store, images ImageScraper, text TextExtractor, language LanguageDetector, completer Completer, opts Options) *Enricher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Enricher{
		store:    store,
		images:   images,
		text:     text,
		language: language,
		ai:       completer,
		failures: newFailureCache(opts.FailureCooldown),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// EnrichItems backfills hero images, full text and language for newly
// inserted items. Failures are counted and logged, never returned.
func (e *Enricher) EnrichItems(ctx context.Context, items []db.ItemRecord) Report {
	var report Report
	if len(items) == 0 {
		return report
	}
	if e.images == nil {
		report.skip("hero_images_disabled")
	}
	if e.text == nil || !e.opts.FullTextEnabled {
		report.skip("full_text_disabled")
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			out := e.enrichItem(gctx, item)
			mu.Lock()
			report.HeroImages += out.HeroImages
			report.FullTexts += out.FullTexts
			report.Languages += out.Languages
			report.Failures += out.Failures
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (e *Enricher) enrichItem(ctx context.Context, item db.ItemRecord) Report {
	var out Report
	log := e.logger.With().Int64("item_id", item.ItemID).Int64("feed_id", item.FeedID).Logger()

	if e.images != nil && item.HeroImageURL == nil && item.URL != "" {
		itemCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
		image, err := e.images.Scrape(itemCtx, item.URL)
		cancel()
		switch {
		case err != nil:
			out.Failures++
			log.Debug().Err(err).Str("stage", "hero_image").Msg("hero image scrape failed")
		case image != "":
			if err := e.store.SetItemHeroImage(ctx, item.ItemID, image); err != nil {
				out.Failures++
				log.Warn().Err(err).Str("stage", "hero_image").Msg("store hero image failed")
			} else {
				out.HeroImages++
			}
		}
	}

	body := ""
	if item.FullText != nil {
		body = *item.FullText
	}
	if body == "" && e.text != nil && e.opts.FullTextEnabled && item.URL != "" {
		text, err := e.fullText(ctx, item)
		if err != nil {
			out.Failures++
			log.Debug().Err(err).Str("stage", "full_text").Msg("full text extraction failed")
		} else if text != "" {
			if err := e.store.SetItemFullText(ctx, item.ItemID, text); err != nil {
				out.Failures++
				log.Warn().Err(err).Str("stage", "full_text").Msg("store full text failed")
			} else {
				out.FullTexts++
				body = text
			}
		}
	}

	if e.language != nil && item.Language == nil {
		sample := item.Title + "\n" + item.Summary
		if body != "" {
			sample = item.Title + "\n" + body
		}
		if lang := e.language.DetectISO6391(sample); lang != "" {
			if err := e.store.SetItemLanguage(ctx, item.ItemID, lang); err != nil {
				out.Failures++
				log.Warn().Err(err).Str("stage", "language").Msg("store language failed")
			} else {
				out.Languages++
			}
		}
	}
	return out
}

var errCoolingDown = errors.New("full text extraction cooling down after a recent failure")

func (e *Enricher) fullText(ctx context.Context, item db.ItemRecord) (string, error) {
	key := item.CanonicalURL
	if key == "" {
		key = item.URL
	}
	if e.failures.blocked(key, globaltime.Now()) {
		return "", errCoolingDown
	}

	itemCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	text, err := e.text.Extract(itemCtx, item.URL)
	if err != nil {
		e.failures.mark(key, globaltime.Now())
		return "", err
	}
	return text, nil
}
