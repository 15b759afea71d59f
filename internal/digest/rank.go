// Package digest decides when an account is due a digest and assembles it.
package digest

import (
	"sort"
	"time"

	"horse.fit/newsloom/internal/config"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/weight"
)

type Trigger string

const (
	TriggerBacklog Trigger = "backlog"
	TriggerAway    Trigger = "away"
	TriggerDaily   Trigger = "daily"
	TriggerManual  Trigger = "manual"
)

type Section string

const (
	SectionTop     Section = "top"
	SectionNotable Section = "notable"
	SectionBrief   Section = "brief"
)

type Config struct {
	TopSize         int
	NotableSize     int
	BriefSize       int
	UnreadThreshold int
	AwayThreshold   time.Duration
	Interval        time.Duration
}

func ConfigFrom(cfg config.Digest) Config {
	return Config{
		TopSize:         cfg.TopSize,
		NotableSize:     cfg.NotableSize,
		BriefSize:       cfg.BriefSize,
		UnreadThreshold: cfg.UnreadThreshold,
		AwayThreshold:   cfg.AwayThreshold,
		Interval:        cfg.Interval,
	}
}

func (c Config) withDefaults() Config {
	if c.TopSize <= 0 {
		c.TopSize = 5
	}
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	return c
}

// Decide returns the trigger that makes a digest due, checking the unread
// backlog, then the away duration, then the time since the last digest.
func Decide(stats db.DigestTriggerStats, cfg Config, now time.Time) (Trigger, bool) {
	cfg = cfg.withDefaults()
	if stats.UnreadClusters == 0 {
		return "", false
	}
	if cfg.UnreadThreshold > 0 && stats.UnreadClusters >= cfg.UnreadThreshold {
		return TriggerBacklog, true
	}
	if cfg.AwayThreshold > 0 && stats.LastSeenAt != nil && now.Sub(*stats.LastSeenAt) >= cfg.AwayThreshold {
		return TriggerAway, true
	}
	if stats.LastDigestAt == nil || now.Sub(*stats.LastDigestAt) >= cfg.Interval {
		return TriggerDaily, true
	}
	return "", false
}

// Entry is one ranked cluster placed in a section.
type Entry struct {
	Candidate db.DigestCandidate
	Section   Section
	Rank      int
	Score     float64
}

// Rank orders candidates by feed weight, then cluster size, then recency,
// then cluster id, and fills the three sections in order.
func Rank(candidates []db.DigestCandidate, cfg Config) []Entry {
	cfg = cfg.withDefaults()
	sorted := make([]db.DigestCandidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if ra, rb := weight.Parse(a.Weight).Rank(), weight.Parse(b.Weight).Rank(); ra != rb {
			return ra > rb
		}
		if a.MemberCount != b.MemberCount {
			return a.MemberCount > b.MemberCount
		}
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		return a.ClusterID > b.ClusterID
	})

	sections := []struct {
		name Section
		size int
	}{
		{SectionTop, cfg.TopSize},
		{SectionNotable, cfg.NotableSize},
		{SectionBrief, cfg.BriefSize},
	}

	out := make([]Entry, 0, len(sorted))
	next := 0
	for _, section := range sections {
		for rank := 1; rank <= section.size && next < len(sorted); rank++ {
			c := sorted[next]
			out = append(out, Entry{
				Candidate: c,
				Section:   section.name,
				Rank:      rank,
				Score:     score(c),
			})
			next++
		}
	}
	return out
}

func score(c db.DigestCandidate) float64 {
	return float64(weight.Parse(c.Weight).Rank()*1000 + min(c.MemberCount, 999))
}
