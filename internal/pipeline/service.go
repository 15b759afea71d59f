// Package pipeline runs one feed through poll, upsert, filter, cluster and
// enrichment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/breaker"
	"horse.fit/newsloom/internal/cluster"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/enrich"
	"horse.fit/newsloom/internal/entitlement"
	"horse.fit/newsloom/internal/feed"
	"horse.fit/newsloom/internal/filter"
	"horse.fit/newsloom/internal/globaltime"
	"horse.fit/newsloom/internal/ingest"
	"horse.fit/newsloom/internal/jobs"
	"horse.fit/newsloom/internal/weight"
)

// Store is the persistence surface of a pipeline run.
type Store interface {
	GetFeedRun(ctx context.Context, feedID int64) (db.FeedRunRow, error)
	SaveFeedValidators(ctx context.Context, feedID int64, etag, lastModified *string, polledAt time.Time) error
	RecordFeedSuccess(ctx context.Context, feedID int64, title string, now time.Time) error
	RecordFeedFailure(ctx context.Context, feedID int64, cause string, now time.Time) (breaker.State, error)
	ListFilterRules(ctx context.Context, accountID int64) ([]db.FilterRuleRow, error)
	ListUnclusteredItems(ctx context.Context, itemIDs []int64) ([]db.ItemRecord, error)
	GetItems(ctx context.Context, itemIDs []int64) ([]db.ItemRecord, error)
	SetItemFilterStates(ctx context.Context, states []db.ItemFilterState) error
	ListClusterRepresentatives(ctx context.Context, clusterIDs []int64) ([]db.ClusterRepresentative, error)
	SetClusterFilterStates(ctx context.Context, states []db.ClusterFilterState) error
	InsertFilterEvents(ctx context.Context, events []db.FilterEventParams) error
}

type Poller interface {
	Poll(ctx context.Context, req feed.Request) (feed.Result, error)
}

type Upserter interface {
	Upsert(ctx context.Context, accountID, feedID int64, items []feed.ParsedItem) (ingest.UpsertResult, error)
}

type Clusterer interface {
	Assign(ctx context.Context, accountID int64, records []db.ItemRecord) (cluster.Result, error)
}

type Enricher interface {
	EnrichItems(ctx context.Context, items []db.ItemRecord) enrich.Report
	EnrichClusters(ctx context.Context, account enrich.Account, reps []db.ClusterRepresentative) enrich.Report
}

type BreakoutNotifier interface {
	NotifyBreakout(ctx context.Context, accountID, clusterID int64, title, url string) error
}

type Options struct {
	BatchSize        int
	SeverityPattern  string
	Budget           *entitlement.Budget
	Enricher         Enricher
	BreakoutNotifier BreakoutNotifier
	Logger           zerolog.Logger
}

// Runner processes one feed per call. It is safe for concurrent use across
// feeds.
type Runner struct {
	store     Store
	poller    Poller
	upserter  Upserter
	clusterer Clusterer
	enricher  Enricher
	notifier  BreakoutNotifier
	budget    *entitlement.Budget
	batchSize int
	severity  string
	logger    zerolog.Logger
}

func NewRunner(store Store, poller Poller, upserter Upserter, clusterer Clusterer, opts Options) *Runner {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Runner{
		store:     store,
		poller:    poller,
		upserter:  upserter,
		clusterer: clusterer,
		enricher:  opts.Enricher,
		notifier:  opts.BreakoutNotifier,
		budget:    opts.Budget,
		batchSize: batchSize,
		severity:  opts.SeverityPattern,
		logger:    opts.Logger,
	}
}

// RunContext is loaded once per run and handed to every stage.
type RunContext struct {
	Feed    db.FeedRunRow
	Plan    entitlement.Plan
	Account enrich.Account
	Filters *filter.Engine
	Now     time.Time
	Logger  zerolog.Logger
}

// Report summarizes one run.
type Report struct {
	FeedID          int64
	AccountID       int64
	NotModified     bool
	Parsed          int
	Granted         int
	Inserted        int
	Updated         int
	FailedItems     int
	Clustered       int
	ClustersCreated int
	Hidden          int
	Breakouts       int
	Stages          []StageResult
}

func (r *Report) add(result StageResult, logger zerolog.Logger) {
	r.Stages = append(r.Stages, result)
	result.log(logger)
}

// Stage returns the recorded result for name.
func (r Report) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

type RunOptions struct {
	// Force ignores the plan's minimum poll interval. An open circuit still
	// skips the run.
	Force bool
	// Retry marks a job re-attempt. A failed poll stamps last_polled_at, so
	// the interval check would otherwise swallow the retry.
	Retry bool
}

// PollError is a failure of the poll stage: transport, HTTP status, parse
// or URL validation. Only these advance the feed's circuit breaker.
type PollError struct {
	Err error
}

func (e *PollError) Error() string { return "poll feed: " + e.Err.Error() }
func (e *PollError) Unwrap() error { return e.Err }

func IsPollFailure(err error) bool {
	var pe *PollError
	return errors.As(err, &pe)
}

// ProcessFeed runs the due-feed pipeline for feedID.
func (r *Runner) ProcessFeed(ctx context.Context, feedID int64) (Report, error) {
	return r.Process(ctx, feedID, RunOptions{})
}

// Process runs poll, budget, upsert, pre-filter, cluster, enrich and
// post-filter. Errors from the mandatory stages are returned; optional stage
// outcomes are only recorded in the report.
func (r *Runner) Process(ctx context.Context, feedID int64, opts RunOptions) (Report, error) {
	report := Report{FeedID: feedID}

	rc, err := r.loadRunContext(ctx, feedID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return report, jobs.Permanent(fmt.Errorf("feed %d not found", feedID))
		}
		return report, err
	}
	report.AccountID = rc.Feed.AccountID
	log := rc.Logger

	state := breaker.State{ConsecutiveFailures: rc.Feed.ConsecutiveFailures, OpenUntil: rc.Feed.CircuitOpenUntil}
	if breaker.IsOpen(state, rc.Now) {
		report.add(Skipped("poll", "circuit_open"), log)
		return report, nil
	}
	if !opts.Force && !opts.Retry && !entitlement.IsPollAllowed(rc.Feed.LastPolledAt, rc.Plan.MinPollMinutes, rc.Now) {
		report.add(Skipped("poll", "poll_interval"), log)
		return report, nil
	}

	started := time.Now()
	polled, err := r.poller.Poll(ctx, feed.Request{
		URL:          rc.Feed.URL,
		ETag:         deref(rc.Feed.ETag),
		LastModified: deref(rc.Feed.LastModified),
	})
	if err != nil {
		report.add(timed(Failed("poll", err), started), log)
		if errors.Is(err, feed.ErrUnsafeURL) {
			return report, jobs.Permanent(&PollError{Err: err})
		}
		return report, &PollError{Err: err}
	}
	report.add(timed(OK("poll"), started), log)

	if polled.NotModified {
		report.NotModified = true
		if err := r.finishFeed(ctx, rc, polled); err != nil {
			return report, err
		}
		report.add(Skipped("upsert", "not_modified"), log)
		return report, nil
	}
	report.Parsed = len(polled.Items)

	inserted, stored, err := r.ingest(ctx, rc, polled.Items, &report)
	if err != nil {
		return report, err
	}

	unclustered, err := r.store.ListUnclusteredItems(ctx, stored)
	if err != nil {
		return report, fmt.Errorf("load unclustered items: %w", err)
	}
	eligible, err := r.preFilter(ctx, rc, unclustered, &report)
	if err != nil {
		return report, err
	}

	started = time.Now()
	clustered, err := r.clusterer.Assign(ctx, rc.Feed.AccountID, eligible)
	if err != nil {
		report.add(timed(Failed("cluster", err), started), log)
		return report, fmt.Errorf("cluster items: %w", err)
	}
	report.Clustered = len(clustered.ItemCluster)
	report.ClustersCreated = clustered.Created
	report.add(timed(OK("cluster"), started), log)

	reps, err := r.store.ListClusterRepresentatives(ctx, clustered.Touched)
	if err != nil {
		return report, fmt.Errorf("load cluster representatives: %w", err)
	}

	r.enrich(ctx, rc, inserted, reps, &report)

	breakouts, err := r.postFilter(ctx, rc, reps, &report)
	if err != nil {
		return report, err
	}

	if err := r.finishFeed(ctx, rc, polled); err != nil {
		return report, err
	}

	r.notifyBreakouts(ctx, rc, breakouts, &report)

	log.Info().
		Int("parsed", report.Parsed).
		Int("granted", report.Granted).
		Int("inserted", report.Inserted).
		Int("updated", report.Updated).
		Int("clusters_created", report.ClustersCreated).
		Int("hidden", report.Hidden).
		Int("breakouts", report.Breakouts).
		Msg("feed processed")
	return report, nil
}

// RecordFailure feeds a failed run into the feed's circuit breaker.
func (r *Runner) RecordFailure(ctx context.Context, feedID int64, cause error) (breaker.State, error) {
	state, err := r.store.RecordFeedFailure(ctx, feedID, cause.Error(), globaltime.UTC())
	if err != nil {
		return breaker.State{}, err
	}
	event := r.logger.Warn().Err(cause).Int64("feed_id", feedID).Int("consecutive_failures", state.ConsecutiveFailures)
	if state.OpenUntil != nil {
		event = event.Time("circuit_open_until", *state.OpenUntil)
	}
	event.Msg("feed run failed")
	return state, nil
}

func (r *Runner) loadRunContext(ctx context.Context, feedID int64) (RunContext, error) {
	row, err := r.store.GetFeedRun(ctx, feedID)
	if err != nil {
		return RunContext{}, err
	}
	rules, err := r.store.ListFilterRules(ctx, row.AccountID)
	if err != nil {
		return RunContext{}, fmt.Errorf("load filter rules: %w", err)
	}
	var opts []filter.Option
	if r.severity != "" {
		opts = append(opts, filter.WithSeverityPattern(r.severity))
	}
	return RunContext{
		Feed:    row,
		Plan:    entitlement.Plan{MinPollMinutes: row.MinPollMinutes, DailyItemCap: row.DailyItemCap},
		Account: enrich.Account{ID: row.AccountID, AICallCap: row.AIDailyCallCap},
		Filters: filter.NewEngine(rulesFromRows(rules), opts...),
		Now:     globaltime.UTC(),
		Logger:  r.logger.With().Int64("feed_id", row.FeedID).Int64("account_id", row.AccountID).Logger(),
	}, nil
}

// ingest reserves budget for the newest entries, upserts them and settles the
// reservation with the number of rows actually inserted. It returns the
// inserted ids and every stored id.
func (r *Runner) ingest(ctx context.Context, rc RunContext, items []feed.ParsedItem, report *Report) ([]int64, []int64, error) {
	log := rc.Logger
	started := time.Now()

	batch := newestFirst(items)
	if len(batch) > r.batchSize {
		batch = batch[:r.batchSize]
	}

	var reservation entitlement.Reservation
	if r.budget != nil && len(batch) > 0 {
		res, err := r.budget.Reserve(ctx, rc.Feed.AccountID, rc.Plan, len(batch))
		if err != nil {
			report.add(timed(Failed("budget", err), started), log)
			return nil, nil, fmt.Errorf("reserve ingestion budget: %w", err)
		}
		reservation = res
		if res.Granted < len(batch) {
			batch = batch[:res.Granted]
		}
	}
	report.Granted = len(batch)
	if len(batch) == 0 && len(items) > 0 {
		report.add(Skipped("upsert", "budget_exhausted"), log)
		return nil, nil, nil
	}

	result, err := r.upserter.Upsert(ctx, rc.Feed.AccountID, rc.Feed.FeedID, batch)
	if r.budget != nil && len(batch) > 0 {
		if commitErr := r.budget.Commit(context.WithoutCancel(ctx), reservation, len(result.Inserted)); commitErr != nil {
			log.Warn().Err(commitErr).Str("stage", "budget").Msg("settle ingestion budget failed")
		}
	}
	if err != nil {
		report.add(timed(Failed("upsert", err), started), log)
		return nil, nil, fmt.Errorf("upsert items: %w", err)
	}

	report.Inserted = len(result.Inserted)
	report.Updated = len(result.Updated)
	report.FailedItems = len(result.Failed)
	if len(result.Failed) > 0 && len(result.Items) == 0 {
		err := fmt.Errorf("all %d items failed to upsert: %w", len(result.Failed), result.Failed[0].Err)
		report.add(timed(Failed("upsert", err), started), log)
		return nil, nil, err
	}
	report.add(timed(OK("upsert"), started), log)
	return result.Inserted, result.ItemIDs(), nil
}

// preFilter stores each item's provisional state and returns the items that
// may join clusters. Muted items still cluster; items hidden by a block rule
// or a keep policy never do.
func (r *Runner) preFilter(ctx context.Context, rc RunContext, items []db.ItemRecord, report *Report) ([]db.ItemRecord, error) {
	if len(items) == 0 {
		return nil, nil
	}
	states := make([]db.ItemFilterState, 0, len(items))
	eligible := make([]db.ItemRecord, 0, len(items))
	for _, item := range items {
		decision := rc.Filters.PreCluster(filterItem(item))
		state := db.ItemFilterState{ItemID: item.ItemID, State: string(decision.State)}
		if decision.RuleID != 0 {
			state.RuleID = int64Ptr(decision.RuleID)
		}
		states = append(states, state)
		if decision.Hidden() && decision.Mode != filter.ModeMute {
			continue
		}
		eligible = append(eligible, item)
	}
	if err := r.store.SetItemFilterStates(ctx, states); err != nil {
		report.add(Failed("pre_filter", err), rc.Logger)
		return nil, fmt.Errorf("store item filter states: %w", err)
	}
	if excluded := len(items) - len(eligible); excluded > 0 {
		rc.Logger.Debug().Int("excluded", excluded).Str("stage", "pre_filter").Msg("blocked items kept out of clustering")
	}
	report.add(OK("pre_filter"), rc.Logger)
	return eligible, nil
}

func (r *Runner) enrich(ctx context.Context, rc RunContext, inserted []int64, reps []db.ClusterRepresentative, report *Report) {
	if r.enricher == nil {
		report.add(Skipped("enrich", "disabled"), rc.Logger)
		return
	}
	started := time.Now()
	if len(inserted) > 0 {
		items, err := r.store.GetItems(ctx, inserted)
		if err != nil {
			report.add(timed(Failed("enrich_items", err), started), rc.Logger)
		} else {
			out := r.enricher.EnrichItems(ctx, items)
			report.add(timed(enrichResult("enrich_items", out), started), rc.Logger)
		}
	}

	// Only clusters whose representative arrived in this run need AI output.
	fresh := make(map[int64]struct{}, len(inserted))
	for _, id := range inserted {
		fresh[id] = struct{}{}
	}
	targets := make([]db.ClusterRepresentative, 0, len(reps))
	for _, rep := range reps {
		if _, ok := fresh[rep.Rep.ItemID]; ok {
			targets = append(targets, rep)
		}
	}
	if len(targets) == 0 {
		return
	}
	started = time.Now()
	out := r.enricher.EnrichClusters(ctx, rc.Account, targets)
	report.add(timed(enrichResult("enrich_clusters", out), started), rc.Logger)
}

func enrichResult(stage string, out enrich.Report) StageResult {
	written := out.HeroImages + out.FullTexts + out.Languages + out.Summaries + out.Relevance + out.Topics
	if written == 0 && len(out.Skipped) > 0 {
		return Skipped(stage, out.Skipped[0])
	}
	if written == 0 && out.Failures > 0 {
		return Failed(stage, fmt.Errorf("%d enrichment failures", out.Failures))
	}
	return OK(stage)
}

type breakout struct {
	clusterID int64
	title     string
	url       string
}

// postFilter re-evaluates each touched cluster's representative and records
// an event for every cluster whose visibility changed.
func (r *Runner) postFilter(ctx context.Context, rc RunContext, reps []db.ClusterRepresentative, report *Report) ([]breakout, error) {
	if len(reps) == 0 {
		return nil, nil
	}
	states := make([]db.ClusterFilterState, 0, len(reps))
	events := make([]db.FilterEventParams, 0)
	var shown []breakout

	for _, rep := range reps {
		current := filter.ClusterState{
			ID:     rep.ClusterID,
			Size:   rep.MemberCount,
			State:  filter.State(rep.FilterState),
			RuleID: rep.FilterRuleID,
		}
		decision := rc.Filters.PostCluster(filterItem(rep.Rep), current)

		next := db.ClusterFilterState{ClusterID: rep.ClusterID, State: string(decision.State)}
		if decision.RuleID != 0 {
			next.RuleID = int64Ptr(decision.RuleID)
		}
		if decision.Reason != "" {
			reason := decision.Reason
			next.Reason = &reason
		}
		states = append(states, next)

		switch decision.State {
		case filter.StateHidden:
			report.Hidden++
		case filter.StateBreakoutShown:
			report.Breakouts++
		}
		if decision.State == current.State {
			continue
		}
		if decision.State == filter.StateHidden || decision.State == filter.StateBreakoutShown {
			events = append(events, db.FilterEventParams{
				AccountID: rc.Feed.AccountID,
				ClusterID: rep.ClusterID,
				ItemID:    rep.Rep.ItemID,
				RuleID:    next.RuleID,
				Action:    string(decision.State),
				Reason:    decision.Reason,
			})
		}
		if decision.State == filter.StateBreakoutShown {
			shown = append(shown, breakout{clusterID: rep.ClusterID, title: rep.Rep.Title, url: rep.Rep.URL})
		}
	}

	if err := r.store.SetClusterFilterStates(ctx, states); err != nil {
		report.add(Failed("post_filter", err), rc.Logger)
		return nil, fmt.Errorf("store cluster filter states: %w", err)
	}
	if err := r.store.InsertFilterEvents(ctx, events); err != nil {
		rc.Logger.Warn().Err(err).Str("stage", "post_filter").Msg("record filter events failed")
	}
	report.add(OK("post_filter"), rc.Logger)
	return shown, nil
}

func (r *Runner) notifyBreakouts(ctx context.Context, rc RunContext, shown []breakout, report *Report) {
	if len(shown) == 0 {
		return
	}
	if r.notifier == nil {
		report.add(Skipped("notify", "push_disabled"), rc.Logger)
		return
	}
	var failures int
	for _, b := range shown {
		if err := r.notifier.NotifyBreakout(ctx, rc.Feed.AccountID, b.clusterID, b.title, b.url); err != nil {
			failures++
			rc.Logger.Warn().Err(err).Int64("cluster_id", b.clusterID).Str("stage", "notify").Msg("breakout notification failed")
		}
	}
	if failures > 0 {
		report.add(Failed("notify", fmt.Errorf("%d of %d notifications failed", failures, len(shown))), rc.Logger)
		return
	}
	report.add(OK("notify"), rc.Logger)
}

// finishFeed stores validators and closes the breaker after the mandatory
// stages succeeded.
func (r *Runner) finishFeed(ctx context.Context, rc RunContext, polled feed.Result) error {
	if err := r.store.SaveFeedValidators(ctx, rc.Feed.FeedID, strPtr(polled.ETag), strPtr(polled.LastModified), polled.FetchedAt); err != nil {
		return err
	}
	if err := r.store.RecordFeedSuccess(ctx, rc.Feed.FeedID, polled.Title, rc.Now); err != nil {
		return err
	}
	return nil
}

func rulesFromRows(rows []db.FilterRuleRow) []filter.Rule {
	rules := make([]filter.Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, filter.Rule{
			ID:        row.RuleID,
			Pattern:   row.Pattern,
			Target:    filter.Target(row.Target),
			MatchType: filter.MatchType(row.MatchType),
			Mode:      filter.Mode(row.Mode),
			Breakout:  row.Breakout,
			FeedID:    row.FeedID,
			FolderID:  row.FolderID,
			Position:  row.Position,
		})
	}
	return rules
}

func filterItem(item db.ItemRecord) filter.Item {
	return filter.Item{
		ID:         item.ItemID,
		FeedID:     item.FeedID,
		FolderID:   item.FolderID,
		Title:      item.Title,
		Summary:    item.Summary,
		Author:     deref(item.Author),
		URL:        item.URL,
		FeedWeight: weight.Parse(item.FeedWeight),
	}
}

// newestFirst orders entries so a truncated batch keeps the most recent ones.
func newestFirst(items []feed.ParsedItem) []feed.ParsedItem {
	out := make([]feed.ParsedItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out
}

func timed(r StageResult, started time.Time) StageResult {
	r.Duration = time.Since(started)
	return r
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func int64Ptr(v int64) *int64 {
	return &v
}
