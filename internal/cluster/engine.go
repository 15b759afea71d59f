package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/reader"
	"horse.fit/newsloom/internal/similarity"
	"horse.fit/newsloom/internal/weight"
)

// Store is the persistence surface of the clustering engine.
type Store interface {
	ListClusterCandidates(ctx context.Context, accountID int64, from, to time.Time) ([]db.ClusterCandidate, error)
	ListFolderKeywordRules(ctx context.Context, accountID int64) ([]db.FolderKeywordRuleRow, error)
	ApplyClusterWrite(ctx context.Context, w db.ClusterWrite) (db.ClusterWriteResult, error)
}

// Result maps each clustered item to its cluster.
type Result struct {
	ItemCluster map[int64]int64
	Touched     []int64
	Created     int
}

type Engine struct {
	store   Store
	planner *Planner
	window  time.Duration
	logger  zerolog.Logger
}

func NewEngine(store Store, cfg Config, logger zerolog.Logger) *Engine {
	planner := NewPlanner(cfg)
	return &Engine{
		store:   store,
		planner: planner,
		window:  planner.cfg.Window,
		logger:  logger,
	}
}

// Assign clusters items that are not yet members of any cluster.
func (e *Engine) Assign(ctx context.Context, accountID int64, records []db.ItemRecord) (Result, error) {
	result := Result{ItemCluster: map[int64]int64{}}
	if len(records) == 0 {
		return result, nil
	}

	keywordRules, err := e.store.ListFolderKeywordRules(ctx, accountID)
	if err != nil {
		return result, fmt.Errorf("load folder keyword rules: %w", err)
	}
	classifier := classifierFromRows(keywordRules)

	items := make([]Item, 0, len(records))
	from, to := records[0].PublishedAt, records[0].PublishedAt
	for _, rec := range records {
		summary := reader.PlainText(rec.Summary)
		items = append(items, Item{
			ID:          rec.ItemID,
			PublishedAt: rec.PublishedAt,
			Weight:      weight.Parse(rec.FeedWeight),
			FolderID:    classifier.Classify(rec.Title+"\n"+summary, rec.FolderID),
			Features:    similarity.Extract(rec.Title, summary),
		})
		if rec.PublishedAt.Before(from) {
			from = rec.PublishedAt
		}
		if rec.PublishedAt.After(to) {
			to = rec.PublishedAt
		}
	}

	rows, err := e.store.ListClusterCandidates(ctx, accountID, from.Add(-e.window), to.Add(e.window))
	if err != nil {
		return result, fmt.Errorf("load cluster candidates: %w", err)
	}
	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, Candidate{
			ClusterID:      row.ClusterID,
			FolderID:       row.FolderID,
			Size:           row.MemberCount,
			RepItemID:      row.RepItemID,
			RepPublishedAt: row.RepPublishedAt,
			RepWeight:      weight.Parse(row.RepWeight),
			RepFeatures:    similarity.Extract(row.RepTitle, reader.PlainText(row.RepSummary)),
		})
	}

	plan := e.planner.Plan(items, candidates)
	written, err := e.store.ApplyClusterWrite(ctx, toWrite(accountID, plan))
	if err != nil {
		return result, err
	}

	result.ItemCluster = written.ItemCluster
	result.Touched = written.Touched
	result.Created = len(written.CreatedBySeed)

	e.logger.Debug().
		Int64("account_id", accountID).
		Int("items", len(items)).
		Int("candidates", len(candidates)).
		Int("created", result.Created).
		Int("touched", len(result.Touched)).
		Msg("items clustered")

	return result, nil
}

func toWrite(accountID int64, plan Plan) db.ClusterWrite {
	w := db.ClusterWrite{
		AccountID:       accountID,
		NewClusters:     make([]db.NewClusterParams, 0, len(plan.NewClusters)),
		Members:         make([]db.ClusterMemberParams, 0, len(plan.Assignments)),
		Representatives: make([]db.RepresentativeParams, 0, len(plan.Representatives)),
	}
	for _, c := range plan.NewClusters {
		w.NewClusters = append(w.NewClusters, db.NewClusterParams{
			SeedItemID:           c.SeedItemID,
			FolderID:             c.FolderID,
			RepresentativeItemID: c.RepItemID,
		})
	}
	for _, a := range plan.Assignments {
		member := db.ClusterMemberParams{
			ClusterID: a.ClusterID,
			ItemID:    a.ItemID,
		}
		if a.ClusterID == 0 {
			member.SeedItemID = a.SeedItemID
		}
		if a.ItemID != a.SeedItemID || a.ClusterID != 0 {
			score, distance := a.Score, a.Distance
			member.MatchScore = &score
			member.SimhashDistance = &distance
		}
		w.Members = append(w.Members, member)
	}
	for _, r := range plan.Representatives {
		w.Representatives = append(w.Representatives, db.RepresentativeParams{ClusterID: r.ClusterID, ItemID: r.ItemID})
	}
	return w
}
