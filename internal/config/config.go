package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"NL_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"NL_DB_MAX_CONNS" default:"8"`

	Pipeline Pipeline
	Cluster  Cluster
	Digest   Digest
	AI       AI
	Worker   Worker
	Push     Push
}

// Pipeline holds per-stage limits and timeouts for one feed run.
type Pipeline struct {
	DailyBatchSize          int           `envconfig:"DAILY_BATCH_SIZE" default:"200"`
	PollTimeout             time.Duration `envconfig:"POLL_TIMEOUT" default:"20s"`
	EnrichTimeout           time.Duration `envconfig:"ENRICH_TIMEOUT" default:"15s"`
	AITimeout               time.Duration `envconfig:"AI_TIMEOUT" default:"30s"`
	EnrichConcurrency       int           `envconfig:"ENRICH_CONCURRENCY" default:"4"`
	FullTextFailureCooldown time.Duration `envconfig:"FULLTEXT_FAILURE_COOLDOWN" default:"30m"`
	FullTextEnabled         bool          `envconfig:"FULLTEXT_ENABLED" default:"true"`
	UserAgent               string        `envconfig:"FETCH_USER_AGENT" default:"newsloom/1.0 (+https://horse.fit/newsloom)"`
}

type Cluster struct {
	SimhashMaxDistance int           `envconfig:"SIMHASH_MAX_DISTANCE" default:"10"`
	JaccardThreshold   float64       `envconfig:"JACCARD_THRESHOLD" default:"0.25"`
	Window             time.Duration `envconfig:"CLUSTER_WINDOW" default:"48h"`
}

type Digest struct {
	TopSize         int           `envconfig:"DIGEST_TOP_SIZE" default:"5"`
	NotableSize     int           `envconfig:"DIGEST_NOTABLE_SIZE" default:"10"`
	BriefSize       int           `envconfig:"DIGEST_BRIEF_SIZE" default:"10"`
	UnreadThreshold int           `envconfig:"DIGEST_UNREAD_THRESHOLD" default:"50"`
	AwayThreshold   time.Duration `envconfig:"DIGEST_AWAY_THRESHOLD" default:"36h"`
	Interval        time.Duration `envconfig:"DIGEST_INTERVAL" default:"24h"`
	HourUTC         int           `envconfig:"DIGEST_HOUR_UTC" default:"7"`
}

type AI struct {
	Provider          string `envconfig:"AI_PROVIDER" default:""`
	Endpoint          string `envconfig:"AI_ENDPOINT" default:""`
	Model             string `envconfig:"AI_MODEL" default:""`
	APIKey            string `envconfig:"AI_API_KEY" default:""`
	SummariesEnabled  bool   `envconfig:"AI_SUMMARIES_ENABLED" default:"true"`
	RelevanceEnabled  bool   `envconfig:"AI_RELEVANCE_ENABLED" default:"false"`
	TopicsEnabled     bool   `envconfig:"AI_TOPICS_ENABLED" default:"false"`
	NarrativeEnabled  bool   `envconfig:"AI_DIGEST_NARRATIVE_ENABLED" default:"true"`
	DailyCallCap      int    `envconfig:"AI_DAILY_CALL_CAP" default:"200"`
	MaxConcurrentCall int    `envconfig:"AI_MAX_CONCURRENT_CALLS" default:"3"`
}

type Worker struct {
	Concurrency         int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	PollIntervalMinutes int           `envconfig:"POLL_INTERVAL_MINUTES" default:"15"`
	JobMaxAttempts      int           `envconfig:"JOB_MAX_ATTEMPTS" default:"5"`
	JobLease            time.Duration `envconfig:"JOB_LEASE" default:"5m"`
	IdleWait            time.Duration `envconfig:"JOB_IDLE_WAIT" default:"2s"`
}

type Push struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY" default:""`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY" default:""`
	Subscriber      string `envconfig:"VAPID_SUBSCRIBER" default:""`
}

// Enabled reports whether VAPID credentials are configured.
func (p Push) Enabled() bool {
	return strings.TrimSpace(p.VAPIDPublicKey) != "" &&
		strings.TrimSpace(p.VAPIDPrivateKey) != "" &&
		strings.TrimSpace(p.Subscriber) != ""
}

// Enabled reports whether an AI provider is configured at all.
func (a AI) Enabled() bool {
	return strings.TrimSpace(a.Provider) != ""
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("NL_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("NL_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("NL_DB_MIN_CONNS (%d) cannot exceed NL_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.Pipeline.DailyBatchSize < 1 {
		return fmt.Errorf("DAILY_BATCH_SIZE must be >= 1")
	}
	if c.Pipeline.EnrichConcurrency < 1 || c.Pipeline.EnrichConcurrency > 16 {
		return fmt.Errorf("ENRICH_CONCURRENCY must be between 1 and 16")
	}
	if c.Pipeline.PollTimeout <= 0 || c.Pipeline.EnrichTimeout <= 0 || c.Pipeline.AITimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT, ENRICH_TIMEOUT and AI_TIMEOUT must be > 0")
	}
	if c.Cluster.SimhashMaxDistance < 0 || c.Cluster.SimhashMaxDistance > 64 {
		return fmt.Errorf("SIMHASH_MAX_DISTANCE must be between 0 and 64")
	}
	if c.Cluster.JaccardThreshold <= 0 || c.Cluster.JaccardThreshold > 1 {
		return fmt.Errorf("JACCARD_THRESHOLD must be in (0,1]")
	}
	if c.Cluster.Window <= 0 {
		return fmt.Errorf("CLUSTER_WINDOW must be > 0")
	}
	if c.Digest.TopSize < 1 || c.Digest.NotableSize < 0 || c.Digest.BriefSize < 0 {
		return fmt.Errorf("digest section sizes must be non-negative and DIGEST_TOP_SIZE >= 1")
	}
	if c.Digest.HourUTC < 0 || c.Digest.HourUTC > 23 {
		return fmt.Errorf("DIGEST_HOUR_UTC must be between 0 and 23")
	}
	switch strings.ToLower(strings.TrimSpace(c.AI.Provider)) {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("AI_PROVIDER must be one of openai, anthropic or empty (got %q)", c.AI.Provider)
	}
	if c.AI.DailyCallCap < 0 {
		return fmt.Errorf("AI_DAILY_CALL_CAP must be >= 0")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	if c.Worker.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 1")
	}
	return nil
}

var supportedPollIntervals = []int{5, 10, 15, 30, 60}

// PollInterval clamps the configured poll-all interval to the nearest supported
// granularity that is not shorter than the configured value.
func (w Worker) PollInterval() time.Duration {
	return time.Duration(ClampPollMinutes(w.PollIntervalMinutes)) * time.Minute
}

func ClampPollMinutes(minutes int) int {
	for _, candidate := range supportedPollIntervals {
		if minutes <= candidate {
			return candidate
		}
	}
	return supportedPollIntervals[len(supportedPollIntervals)-1]
}
