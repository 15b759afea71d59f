package db

import (
	"encoding/json"
	"time"
)

// Account maps loom.accounts. Entitlement columns are written by the billing
// side and only read here.
type Account struct {
	AccountID           int64      `gorm:"column:account_id;primaryKey;autoIncrement"`
	AccountUUID         string     `gorm:"column:account_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Name                string     `gorm:"column:name;type:text;not null"`
	MinPollMinutes      int        `gorm:"column:min_poll_minutes;type:integer;not null;default:15"`
	PollIntervalMinutes int        `gorm:"column:poll_interval_minutes;type:integer;not null;default:15"`
	DailyItemCap        int        `gorm:"column:daily_item_cap;type:integer;not null;default:0"`
	AIDailyCallCap      int        `gorm:"column:ai_daily_call_cap;type:integer;not null;default:0"`
	LastSeenAt          *time.Time `gorm:"column:last_seen_at;type:timestamptz"`
	TopicDrift          bool       `gorm:"column:topic_drift;type:boolean;not null;default:false"`
	TopicDriftRatio     *float64   `gorm:"column:topic_drift_ratio;type:double precision"`
	TopicDriftCheckedAt *time.Time `gorm:"column:topic_drift_checked_at;type:timestamptz"`
	CreatedAt           time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Account) TableName() string { return "loom.accounts" }

// Folder maps loom.folders.
type Folder struct {
	FolderID  int64     `gorm:"column:folder_id;primaryKey;autoIncrement"`
	AccountID int64     `gorm:"column:account_id;type:bigint;not null;uniqueIndex:folders_account_name_uq,priority:1"`
	Name      string    `gorm:"column:name;type:text;not null;uniqueIndex:folders_account_name_uq,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Folder) TableName() string { return "loom.folders" }

// FolderKeywordRule maps loom.folder_keyword_rules.
type FolderKeywordRule struct {
	RuleID    int64     `gorm:"column:rule_id;primaryKey;autoIncrement"`
	AccountID int64     `gorm:"column:account_id;type:bigint;not null;index"`
	FolderID  int64     `gorm:"column:folder_id;type:bigint;not null"`
	Pattern   string    `gorm:"column:pattern;type:text;not null"`
	IsRegex   bool      `gorm:"column:is_regex;type:boolean;not null;default:false"`
	Position  int       `gorm:"column:position;type:integer;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (FolderKeywordRule) TableName() string { return "loom.folder_keyword_rules" }

// Feed maps loom.feeds.
type Feed struct {
	FeedID               int64      `gorm:"column:feed_id;primaryKey;autoIncrement"`
	FeedUUID             string     `gorm:"column:feed_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	AccountID            int64      `gorm:"column:account_id;type:bigint;not null;uniqueIndex:feeds_account_url_uq,priority:1"`
	FolderID             *int64     `gorm:"column:folder_id;type:bigint"`
	URL                  string     `gorm:"column:url;type:text;not null;uniqueIndex:feeds_account_url_uq,priority:2"`
	Title                string     `gorm:"column:title;type:text;not null;default:''"`
	Weight               string     `gorm:"column:weight;type:loom.feed_weight;not null;default:neutral"`
	ETag                 *string    `gorm:"column:etag;type:text"`
	LastModified         *string    `gorm:"column:last_modified;type:text"`
	LastPolledAt         *time.Time `gorm:"column:last_polled_at;type:timestamptz"`
	ClassificationStatus string     `gorm:"column:classification_status;type:text;not null;default:pending"`
	ConsecutiveFailures  int        `gorm:"column:consecutive_failures;type:integer;not null;default:0"`
	CircuitOpenUntil     *time.Time `gorm:"column:circuit_open_until;type:timestamptz"`
	LastError            *string    `gorm:"column:last_error;type:text"`
	CreatedAt            time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Feed) TableName() string { return "loom.feeds" }

// Item maps loom.items. Identity uniqueness is enforced by partial indexes
// created in post_automigrate.sql.
type Item struct {
	ItemID           int64      `gorm:"column:item_id;primaryKey;autoIncrement"`
	ItemUUID         string     `gorm:"column:item_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	AccountID        int64      `gorm:"column:account_id;type:bigint;not null"`
	FeedID           int64      `gorm:"column:feed_id;type:bigint;not null"`
	GUID             *string    `gorm:"column:guid;type:text"`
	URL              string     `gorm:"column:url;type:text;not null"`
	CanonicalURL     string     `gorm:"column:canonical_url;type:text;not null"`
	CanonicalURLHash string     `gorm:"column:canonical_url_hash;type:text;not null"`
	Title            string     `gorm:"column:title;type:text;not null;default:''"`
	Summary          string     `gorm:"column:summary;type:text;not null;default:''"`
	Author           *string    `gorm:"column:author;type:text"`
	PublishedAt      time.Time  `gorm:"column:published_at;type:timestamptz;not null"`
	HeroImageURL     *string    `gorm:"column:hero_image_url;type:text"`
	FullText         *string    `gorm:"column:full_text;type:text"`
	Language         *string    `gorm:"column:language;type:text"`
	Simhash          int64      `gorm:"column:simhash;type:bigint;not null;default:0"`
	AISummary        *string    `gorm:"column:ai_summary;type:text"`
	RelevanceScore   *float64   `gorm:"column:relevance_score;type:double precision"`
	RelevanceLabel   *string    `gorm:"column:relevance_label;type:text"`
	FilterState      string     `gorm:"column:filter_state;type:loom.filter_state;not null;default:pending"`
	FilterRuleID     *int64     `gorm:"column:filter_rule_id;type:bigint"`
	ReadAt           *time.Time `gorm:"column:read_at;type:timestamptz"`
	CreatedAt        time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Item) TableName() string { return "loom.items" }

// Cluster maps loom.clusters.
type Cluster struct {
	ClusterID            int64     `gorm:"column:cluster_id;primaryKey;autoIncrement"`
	ClusterUUID          string    `gorm:"column:cluster_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	AccountID            int64     `gorm:"column:account_id;type:bigint;not null;index"`
	FolderID             *int64    `gorm:"column:folder_id;type:bigint"`
	RepresentativeItemID int64     `gorm:"column:representative_item_id;type:bigint;not null"`
	Topic                *string   `gorm:"column:topic;type:text"`
	MemberCount          int       `gorm:"column:member_count;type:integer;not null;default:0"`
	FilterState          string    `gorm:"column:filter_state;type:loom.filter_state;not null;default:pending"`
	FilterRuleID         *int64    `gorm:"column:filter_rule_id;type:bigint"`
	FilterReason         *string   `gorm:"column:filter_reason;type:text"`
	CreatedAt            time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt            time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Cluster) TableName() string { return "loom.clusters" }

// ClusterMember maps loom.cluster_members. Rows are append-only.
type ClusterMember struct {
	ClusterID       int64     `gorm:"column:cluster_id;type:bigint;not null;index"`
	ItemID          int64     `gorm:"column:item_id;type:bigint;primaryKey"`
	MatchScore      *float64  `gorm:"column:match_score;type:double precision"`
	SimhashDistance *int      `gorm:"column:simhash_distance;type:integer"`
	CreatedAt       time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ClusterMember) TableName() string { return "loom.cluster_members" }

// FilterRule maps loom.filter_rules.
type FilterRule struct {
	RuleID    int64     `gorm:"column:rule_id;primaryKey;autoIncrement"`
	AccountID int64     `gorm:"column:account_id;type:bigint;not null;index"`
	Pattern   string    `gorm:"column:pattern;type:text;not null"`
	Target    string    `gorm:"column:target;type:text;not null"`
	MatchType string    `gorm:"column:match_type;type:text;not null;default:phrase"`
	Mode      string    `gorm:"column:mode;type:text;not null"`
	Breakout  bool      `gorm:"column:breakout;type:boolean;not null;default:false"`
	FeedID    *int64    `gorm:"column:feed_id;type:bigint"`
	FolderID  *int64    `gorm:"column:folder_id;type:bigint"`
	Position  int       `gorm:"column:position;type:integer;not null;default:0"`
	Enabled   bool      `gorm:"column:enabled;type:boolean;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (FilterRule) TableName() string { return "loom.filter_rules" }

// FilterEvent maps loom.filter_events. Rows are append-only.
type FilterEvent struct {
	EventID   int64     `gorm:"column:event_id;primaryKey;autoIncrement"`
	AccountID int64     `gorm:"column:account_id;type:bigint;not null;index"`
	ClusterID int64     `gorm:"column:cluster_id;type:bigint;not null;index"`
	ItemID    int64     `gorm:"column:item_id;type:bigint;not null"`
	RuleID    *int64    `gorm:"column:rule_id;type:bigint"`
	Action    string    `gorm:"column:action;type:text;not null"`
	Reason    string    `gorm:"column:reason;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (FilterEvent) TableName() string { return "loom.filter_events" }

// UsageCounter maps loom.usage_counters.
type UsageCounter struct {
	AccountID int64     `gorm:"column:account_id;type:bigint;primaryKey"`
	Day       time.Time `gorm:"column:day;type:date;primaryKey"`
	Metric    string    `gorm:"column:metric;type:text;primaryKey"`
	Used      int       `gorm:"column:used;type:integer;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (UsageCounter) TableName() string { return "loom.usage_counters" }

// AICall maps loom.ai_calls.
type AICall struct {
	CallID       int64     `gorm:"column:call_id;primaryKey;autoIncrement"`
	AccountID    int64     `gorm:"column:account_id;type:bigint;not null;index"`
	Purpose      string    `gorm:"column:purpose;type:text;not null"`
	Provider     string    `gorm:"column:provider;type:text;not null"`
	Model        string    `gorm:"column:model;type:text;not null"`
	InputTokens  int64     `gorm:"column:input_tokens;type:bigint;not null;default:0"`
	OutputTokens int64     `gorm:"column:output_tokens;type:bigint;not null;default:0"`
	DurationMS   int64     `gorm:"column:duration_ms;type:bigint;not null;default:0"`
	ErrorTag     *string   `gorm:"column:error_tag;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (AICall) TableName() string { return "loom.ai_calls" }

// Topic maps loom.topics.
type Topic struct {
	TopicID   int64     `gorm:"column:topic_id;primaryKey;autoIncrement"`
	AccountID int64     `gorm:"column:account_id;type:bigint;not null;uniqueIndex:topics_account_name_uq,priority:1"`
	Name      string    `gorm:"column:name;type:text;not null;uniqueIndex:topics_account_name_uq,priority:2"`
	Approved  bool      `gorm:"column:approved;type:boolean;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Topic) TableName() string { return "loom.topics" }

// Digest maps loom.digests.
type Digest struct {
	DigestID    int64           `gorm:"column:digest_id;primaryKey;autoIncrement"`
	DigestUUID  string          `gorm:"column:digest_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	AccountID   int64           `gorm:"column:account_id;type:bigint;not null;index"`
	WindowStart time.Time       `gorm:"column:window_start;type:timestamptz;not null"`
	WindowEnd   time.Time       `gorm:"column:window_end;type:timestamptz;not null"`
	Trigger     string          `gorm:"column:trigger;type:text;not null"`
	Format      string          `gorm:"column:format;type:text;not null"`
	Body        string          `gorm:"column:body;type:text;not null"`
	Metadata    json.RawMessage `gorm:"column:metadata;type:jsonb"`
	CreatedAt   time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Digest) TableName() string { return "loom.digests" }

// DigestEntry maps loom.digest_entries.
type DigestEntry struct {
	DigestID  int64   `gorm:"column:digest_id;type:bigint;primaryKey"`
	ClusterID int64   `gorm:"column:cluster_id;type:bigint;primaryKey"`
	Section   string  `gorm:"column:section;type:text;not null"`
	Rank      int     `gorm:"column:rank;type:integer;not null"`
	Score     float64 `gorm:"column:score;type:double precision;not null;default:0"`
}

func (DigestEntry) TableName() string { return "loom.digest_entries" }

// Job maps loom.jobs.
type Job struct {
	JobID       string          `gorm:"column:job_id;type:uuid;primaryKey"`
	Kind        string          `gorm:"column:kind;type:text;not null"`
	Payload     json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	DedupKey    *string         `gorm:"column:dedup_key;type:text"`
	Status      string          `gorm:"column:status;type:loom.job_status;not null;default:queued"`
	RunAt       time.Time       `gorm:"column:run_at;type:timestamptz;not null;default:now()"`
	Attempts    int             `gorm:"column:attempts;type:integer;not null;default:0"`
	MaxAttempts int             `gorm:"column:max_attempts;type:integer;not null;default:5"`
	LockedUntil *time.Time      `gorm:"column:locked_until;type:timestamptz"`
	LastError   *string         `gorm:"column:last_error;type:text"`
	CreatedAt   time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Job) TableName() string { return "loom.jobs" }

// PushSubscription maps loom.push_subscriptions.
type PushSubscription struct {
	SubscriptionID int64     `gorm:"column:subscription_id;primaryKey;autoIncrement"`
	AccountID      int64     `gorm:"column:account_id;type:bigint;not null;index"`
	Endpoint       string    `gorm:"column:endpoint;type:text;not null;unique"`
	P256DH         string    `gorm:"column:p256dh;type:text;not null"`
	Auth           string    `gorm:"column:auth;type:text;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (PushSubscription) TableName() string { return "loom.push_subscriptions" }

func autoMigrateModels() []any {
	return []any{
		&Account{},
		&Folder{},
		&FolderKeywordRule{},
		&Feed{},
		&Item{},
		&Cluster{},
		&ClusterMember{},
		&FilterRule{},
		&FilterEvent{},
		&UsageCounter{},
		&AICall{},
		&Topic{},
		&Digest{},
		&DigestEntry{},
		&Job{},
		&PushSubscription{},
	}
}
