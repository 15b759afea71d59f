package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/ai"
	"horse.fit/newsloom/internal/cluster"
	"horse.fit/newsloom/internal/config"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/digest"
	"horse.fit/newsloom/internal/enrich"
	"horse.fit/newsloom/internal/entitlement"
	"horse.fit/newsloom/internal/feed"
	"horse.fit/newsloom/internal/globaltime"
	"horse.fit/newsloom/internal/ingest"
	"horse.fit/newsloom/internal/jobs"
	"horse.fit/newsloom/internal/langdetect"
	"horse.fit/newsloom/internal/logging"
	"horse.fit/newsloom/internal/pipeline"
	"horse.fit/newsloom/internal/push"
	"horse.fit/newsloom/internal/reader"
	"horse.fit/newsloom/internal/worker"
)

// services is the fully wired worker graph over one pool.
type services struct {
	queue     *jobs.Queue
	runner    *jobs.Runner
	pipeline  *pipeline.Runner
	enricher  *enrich.Enricher
	digest    *digest.Builder
	scheduler *worker.Scheduler
}

func guardURL(ctx context.Context, raw string) error {
	return feed.CheckURL(ctx, raw, nil)
}

func buildServices(cfg *config.Config, pool *db.Pool, logger zerolog.Logger) (*services, error) {
	pc := cfg.Pipeline

	provider, err := ai.NewProvider(cfg.AI, &http.Client{Timeout: pc.AITimeout})
	if err != nil {
		return nil, fmt.Errorf("build ai provider: %w", err)
	}
	completer := ai.NewClient(provider, ai.ClientOptions{
		Budget:        entitlement.NewBudget(pool.UsageCounters(db.MetricAICalls), globaltime.UTC),
		Recorder:      pool,
		MaxConcurrent: cfg.AI.MaxConcurrentCall,
		Timeout:       pc.AITimeout,
		Logger:        logging.Component(logger, "ai"),
	})
	if completer.Enabled() {
		logger.Info().Str("provider", cfg.AI.Provider).Str("model", cfg.AI.Model).Msg("ai enrichment enabled")
	}

	enricher := enrich.New(
		pool,
		enrich.NewHeroScraper(feed.NewGuardedClient(pc.EnrichTimeout), guardURL, pc.UserAgent, pc.EnrichTimeout),
		reader.NewExtractor(reader.Options{
			Timeout:    pc.EnrichTimeout,
			UserAgent:  pc.UserAgent,
			HTTPClient: feed.NewGuardedClient(pc.EnrichTimeout),
			Guard:      guardURL,
		}),
		langdetect.New(),
		completer,
		enrich.Options{
			Concurrency:      pc.EnrichConcurrency,
			Timeout:          pc.EnrichTimeout,
			FailureCooldown:  pc.FullTextFailureCooldown,
			FullTextEnabled:  pc.FullTextEnabled,
			SummariesEnabled: cfg.AI.SummariesEnabled,
			RelevanceEnabled: cfg.AI.RelevanceEnabled,
			TopicsEnabled:    cfg.AI.TopicsEnabled,
			Logger:           logging.Component(logger, "enrich"),
		},
	)

	var (
		breakouts pipeline.BreakoutNotifier
		digests   digest.Notifier
	)
	if cfg.Push.Enabled() {
		notifier := push.NewNotifier(pool, push.NewWebPushTransport(cfg.Push, nil), logging.Component(logger, "push"))
		breakouts = notifier
		digests = notifier
	}

	feedRunner := pipeline.NewRunner(
		pool,
		feed.NewPoller(feed.Options{
			Timeout:    pc.PollTimeout,
			UserAgent:  pc.UserAgent,
			HTTPClient: feed.NewGuardedClient(pc.PollTimeout),
			Guard:      guardURL,
		}),
		ingest.NewUpserter(pool, logging.Component(logger, "ingest")),
		cluster.NewEngine(pool, cluster.Config{
			MaxDistance: cfg.Cluster.SimhashMaxDistance,
			Threshold:   cfg.Cluster.JaccardThreshold,
			Window:      cfg.Cluster.Window,
		}, logging.Component(logger, "cluster")),
		pipeline.Options{
			BatchSize:        pc.DailyBatchSize,
			Budget:           entitlement.NewBudget(pool.UsageCounters(db.MetricItemsIngested), globaltime.UTC),
			Enricher:         enricher,
			BreakoutNotifier: breakouts,
			Logger:           logging.Component(logger, "pipeline"),
		},
	)

	builder := digest.NewBuilder(pool, completer, digests, digest.ConfigFrom(cfg.Digest), digest.Options{
		Narrative: cfg.AI.NarrativeEnabled,
		Logger:    logging.Component(logger, "digest"),
	})

	queue := jobs.NewQueue(pool, cfg.Worker.JobMaxAttempts)
	runner := jobs.NewRunner(pool, jobs.RunnerOptions{
		Concurrency: cfg.Worker.Concurrency,
		Lease:       cfg.Worker.JobLease,
		IdleWait:    cfg.Worker.IdleWait,
		Logger:      logging.Component(logger, "jobs"),
	})
	handlers := &worker.Handlers{
		Store:    pool,
		Queue:    queue,
		Pipeline: feedRunner,
		Digest:   builder,
		Drift:    enricher,
		Logger:   logging.Component(logger, "worker"),
	}
	handlers.Register(runner)

	return &services{
		queue:     queue,
		runner:    runner,
		pipeline:  feedRunner,
		enricher:  enricher,
		digest:    builder,
		scheduler: worker.NewScheduler(queue, cfg.Worker.PollInterval(), cfg.Digest.HourUTC, logging.Component(logger, "scheduler")),
	}, nil
}
