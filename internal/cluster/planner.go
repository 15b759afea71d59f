// Package cluster groups near-duplicate items into stories.
package cluster

import (
	"sort"
	"time"

	"horse.fit/newsloom/internal/similarity"
	"horse.fit/newsloom/internal/weight"
)

const (
	DefaultMaxDistance = 10
	DefaultThreshold   = 0.25
	DefaultWindow      = 48 * time.Hour
)

// Config holds the similarity thresholds.
type Config struct {
	MaxDistance int
	Threshold   float64
	Window      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDistance <= 0 {
		c.MaxDistance = DefaultMaxDistance
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Item is a new, unclustered item.
type Item struct {
	ID          int64
	PublishedAt time.Time
	Weight      weight.Weight
	FolderID    *int64
	Features    similarity.Features
}

// Candidate is an existing cluster seen through its representative.
type Candidate struct {
	ClusterID      int64
	FolderID       *int64
	Size           int
	RepItemID      int64
	RepPublishedAt time.Time
	RepWeight      weight.Weight
	RepFeatures    similarity.Features
}

// Assignment places one item. ClusterID is set for existing clusters,
// SeedItemID for clusters opened in the same plan.
type Assignment struct {
	ItemID     int64
	ClusterID  int64
	SeedItemID int64
	Score      float64
	Distance   int
}

// NewCluster is a cluster opened by SeedItemID. RepItemID is the final
// representative after the whole batch was placed.
type NewCluster struct {
	SeedItemID int64
	FolderID   *int64
	RepItemID  int64
}

// RepChange moves an existing cluster's representative.
type RepChange struct {
	ClusterID int64
	ItemID    int64
}

type Plan struct {
	NewClusters     []NewCluster
	Assignments     []Assignment
	Representatives []RepChange
}

type Planner struct {
	cfg Config
}

func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg.withDefaults()}
}

type working struct {
	clusterID    int64
	seedItemID   int64
	size         int
	repItemID    int64
	repPublished time.Time
	repWeight    weight.Weight
	repFeatures  similarity.Features
	repMoved     bool
}

// Plan assigns items in published order (ties by id). Each item joins the
// candidate with the highest Jaccard score at or above the threshold among
// those inside the time window and within the Hamming distance bound; ties
// go to the earlier candidate. Clusters opened earlier in the batch are
// candidates for later items. Plan is deterministic for a given input.
func (p *Planner) Plan(items []Item, candidates []Candidate) Plan {
	ordered := append([]Item(nil), items...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].PublishedAt.Equal(ordered[j].PublishedAt) {
			return ordered[i].PublishedAt.Before(ordered[j].PublishedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	existing := append([]Candidate(nil), candidates...)
	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].ClusterID < existing[j].ClusterID
	})

	pool := make([]*working, 0, len(existing)+len(ordered))
	for _, c := range existing {
		pool = append(pool, &working{
			clusterID:    c.ClusterID,
			size:         c.Size,
			repItemID:    c.RepItemID,
			repPublished: c.RepPublishedAt,
			repWeight:    c.RepWeight,
			repFeatures:  c.RepFeatures,
		})
	}

	var plan Plan
	newIndex := make(map[int64]int, len(ordered))
	for _, item := range ordered {
		best, score, distance := p.bestMatch(item, pool)
		if best == nil {
			pool = append(pool, &working{
				seedItemID:   item.ID,
				size:         1,
				repItemID:    item.ID,
				repPublished: item.PublishedAt,
				repWeight:    item.Weight,
				repFeatures:  item.Features,
			})
			newIndex[item.ID] = len(plan.NewClusters)
			plan.NewClusters = append(plan.NewClusters, NewCluster{
				SeedItemID: item.ID,
				FolderID:   item.FolderID,
				RepItemID:  item.ID,
			})
			plan.Assignments = append(plan.Assignments, Assignment{ItemID: item.ID, SeedItemID: item.ID, Score: 1})
			continue
		}

		plan.Assignments = append(plan.Assignments, Assignment{
			ItemID:     item.ID,
			ClusterID:  best.clusterID,
			SeedItemID: best.seedItemID,
			Score:      score,
			Distance:   distance,
		})
		best.size++
		if item.Weight.Outranks(best.repWeight) {
			best.repItemID = item.ID
			best.repPublished = item.PublishedAt
			best.repWeight = item.Weight
			best.repFeatures = item.Features
			best.repMoved = true
		}
	}

	for _, w := range pool {
		if w.clusterID == 0 {
			plan.NewClusters[newIndex[w.seedItemID]].RepItemID = w.repItemID
			continue
		}
		if w.repMoved {
			plan.Representatives = append(plan.Representatives, RepChange{ClusterID: w.clusterID, ItemID: w.repItemID})
		}
	}
	return plan
}

func (p *Planner) bestMatch(item Item, pool []*working) (*working, float64, int) {
	var (
		best         *working
		bestScore    float64
		bestDistance int
	)
	for _, w := range pool {
		if absDuration(item.PublishedAt.Sub(w.repPublished)) > p.cfg.Window {
			continue
		}
		distance := similarity.HammingDistance(item.Features.Simhash, w.repFeatures.Simhash)
		if distance > p.cfg.MaxDistance {
			continue
		}
		score := similarity.Jaccard(item.Features.Set, w.repFeatures.Set)
		if score < p.cfg.Threshold {
			continue
		}
		if best == nil || score > bestScore {
			best, bestScore, bestDistance = w, score, distance
		}
	}
	return best, bestScore, bestDistance
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
