package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/cluster"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/entitlement"
	"horse.fit/newsloom/internal/feed"
	"horse.fit/newsloom/internal/globaltime"
	"horse.fit/newsloom/internal/ingest"
	"horse.fit/newsloom/internal/jobs"
)

var published = time.Date(2026, 10, 5, 12, 0, 0, 0, time.UTC)

type scriptedPoller struct {
	mu       sync.Mutex
	result   feed.Result
	err      error
	requests []feed.Request
}

func (p *scriptedPoller) Poll(_ context.Context, req feed.Request) (feed.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.result, p.err
}

type breakoutLog struct {
	mu       sync.Mutex
	clusters []int64
}

func (b *breakoutLog) NotifyBreakout(_ context.Context, _ int64, clusterID int64, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clusters = append(b.clusters, clusterID)
	return nil
}

func storyItems() []feed.ParsedItem {
	titles := []string{
		"Roblox accounts hacked in credential stuffing wave",
		"ROBLOX accounts hacked: credential-stuffing wave",
		"The Roblox accounts hacked in a credential stuffing wave",
		"City council approves transit budget",
		"Volcanic eruption grounds regional flights",
	}
	out := make([]feed.ParsedItem, 0, len(titles))
	for i, title := range titles {
		out = append(out, feed.ParsedItem{
			GUID:        fmt.Sprintf("story-%d", i+1),
			URL:         fmt.Sprintf("https://news.example.com/story/%d", i+1),
			Title:       title,
			PublishedAt: published.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func okResult(items []feed.ParsedItem) feed.Result {
	return feed.Result{
		StatusCode: 200,
		ETag:       `"v2"`,
		Title:      "Example News",
		Items:      items,
		FetchedAt:  published.Add(time.Hour),
	}
}

func baseFeed() db.FeedRunRow {
	return db.FeedRunRow{FeedID: 7, AccountID: 3, URL: "https://news.example.com/rss", Weight: "neutral"}
}

type fixture struct {
	store    *memStore
	poller   *scriptedPoller
	counters *entitlement.MemoryCounters
	notifier *breakoutLog
	runner   *Runner
}

func newFixture(row db.FeedRunRow, result feed.Result) *fixture {
	store := newMemStore(row)
	poller := &scriptedPoller{result: result}
	counters := entitlement.NewMemoryCounters()
	notifier := &breakoutLog{}
	logger := zerolog.Nop()
	runner := NewRunner(
		store,
		poller,
		ingest.NewUpserter(store, logger),
		cluster.NewEngine(store, cluster.Config{}, logger),
		Options{
			Budget:           entitlement.NewBudget(counters, globaltime.UTC),
			BreakoutNotifier: notifier,
			Logger:           logger,
		},
	)
	return &fixture{store: store, poller: poller, counters: counters, notifier: notifier, runner: runner}
}

func TestProcessFeedNotModifiedLeavesItemsUntouched(t *testing.T) {
	t.Parallel()

	row := baseFeed()
	etag := `"v1"`
	row.ETag = &etag
	fx := newFixture(row, feed.Result{StatusCode: 304, NotModified: true, ETag: etag, FetchedAt: published})

	report, err := fx.runner.ProcessFeed(context.Background(), row.FeedID)
	if err != nil {
		t.Fatalf("ProcessFeed() error = %v", err)
	}
	if !report.NotModified || report.Inserted != 0 || report.Parsed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := fx.poller.requests[0].ETag; got != etag {
		t.Fatalf("expected conditional request with %s, got %q", etag, got)
	}
	if len(fx.store.items) != 0 || len(fx.store.clusters) != 0 {
		t.Fatalf("304 must not write items or clusters")
	}
	if fx.store.validators != 1 || fx.store.successes != 1 {
		t.Fatalf("expected validators and success recorded once, got %d/%d", fx.store.validators, fx.store.successes)
	}
	if stage, ok := report.Stage("upsert"); !ok || stage.Reason != "not_modified" {
		t.Fatalf("expected upsert skipped as not_modified, got %+v", stage)
	}
}

func TestProcessFeedClustersNearDuplicates(t *testing.T) {
	t.Parallel()

	fx := newFixture(baseFeed(), okResult(storyItems()))
	ctx := context.Background()

	report, err := fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("ProcessFeed() error = %v", err)
	}
	if report.Parsed != 5 || report.Inserted != 5 || report.Clustered != 5 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if report.ClustersCreated != 3 {
		t.Fatalf("expected 3 clusters, got %d", report.ClustersCreated)
	}
	first := fx.store.memberOf[fx.store.itemID("story-1")]
	if first == 0 || fx.store.memberOf[fx.store.itemID("story-2")] != first || fx.store.memberOf[fx.store.itemID("story-3")] != first {
		t.Fatalf("expected the three roblox stories together, got %v", fx.store.memberOf)
	}
	if fx.store.clusters[first].members != 3 {
		t.Fatalf("expected cluster of 3, got %d", fx.store.clusters[first].members)
	}
	if states := fx.store.clusterStates(); states["pass"] != 3 {
		t.Fatalf("expected 3 passing clusters without rules, got %v", states)
	}
	if fx.store.feed.ETag == nil || *fx.store.feed.ETag != `"v2"` {
		t.Fatalf("expected new etag stored, got %v", fx.store.feed.ETag)
	}

	again, err := fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("second ProcessFeed() error = %v", err)
	}
	if again.Inserted != 0 || again.Updated != 5 || again.ClustersCreated != 0 || again.Clustered != 0 {
		t.Fatalf("expected idempotent rerun, got %+v", again)
	}
	if len(fx.store.clusters) != 3 {
		t.Fatalf("expected cluster count to stay 3, got %d", len(fx.store.clusters))
	}
}

func TestProcessFeedMuteBreakoutOnSeverity(t *testing.T) {
	t.Parallel()

	fx := newFixture(baseFeed(), okResult(storyItems()))
	fx.store.rules = []db.FilterRuleRow{{
		RuleID:    11,
		Pattern:   "roblox",
		Target:    "keyword",
		MatchType: "phrase",
		Mode:      "mute",
		Breakout:  true,
	}}
	ctx := context.Background()

	report, err := fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("ProcessFeed() error = %v", err)
	}
	if report.Breakouts != 1 || report.Hidden != 0 {
		t.Fatalf("expected one breakout, got %+v", report)
	}
	muted := fx.store.itemID("story-1")
	if fx.store.items[muted].FilterState != "hidden" {
		t.Fatalf("expected muted item hidden before clustering, got %q", fx.store.items[muted].FilterState)
	}
	clusterID := fx.store.memberOf[muted]
	if got := fx.store.clusters[clusterID].filterState; got != "breakout_shown" {
		t.Fatalf("expected breakout_shown, got %q", got)
	}
	if len(fx.store.events) != 1 || fx.store.events[0].Action != "breakout_shown" || fx.store.events[0].Reason != "severity" {
		t.Fatalf("unexpected filter events: %+v", fx.store.events)
	}
	if len(fx.notifier.clusters) != 1 || fx.notifier.clusters[0] != clusterID {
		t.Fatalf("expected one breakout notification for %d, got %v", clusterID, fx.notifier.clusters)
	}

	if _, err := fx.runner.ProcessFeed(ctx, 7); err != nil {
		t.Fatalf("second ProcessFeed() error = %v", err)
	}
	if len(fx.store.events) != 1 || len(fx.notifier.clusters) != 1 {
		t.Fatalf("unchanged clusters must not emit events again")
	}
}

func TestProcessFeedMuteWithoutBreakoutHides(t *testing.T) {
	t.Parallel()

	fx := newFixture(baseFeed(), okResult(storyItems()))
	fx.store.rules = []db.FilterRuleRow{{
		RuleID: 12, Pattern: "volcanic", Target: "keyword", MatchType: "phrase", Mode: "mute",
	}}

	report, err := fx.runner.ProcessFeed(context.Background(), 7)
	if err != nil {
		t.Fatalf("ProcessFeed() error = %v", err)
	}
	if report.Hidden != 1 || report.Breakouts != 0 {
		t.Fatalf("expected one hidden cluster, got %+v", report)
	}
	if len(fx.store.events) != 1 || fx.store.events[0].Action != "hidden" || *fx.store.events[0].RuleID != 12 {
		t.Fatalf("unexpected filter events: %+v", fx.store.events)
	}
	if len(fx.notifier.clusters) != 0 {
		t.Fatalf("hidden clusters must not notify")
	}
}

func TestProcessFeedTruncatesToBudget(t *testing.T) {
	t.Parallel()

	row := baseFeed()
	row.DailyItemCap = 2
	fx := newFixture(row, okResult(storyItems()))
	ctx := context.Background()

	report, err := fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("ProcessFeed() error = %v", err)
	}
	if report.Granted != 2 || report.Inserted != 2 {
		t.Fatalf("expected 2 granted and inserted, got %+v", report)
	}
	for _, rec := range fx.store.items {
		if rec.PublishedAt.Before(published.Add(3 * time.Minute)) {
			t.Fatalf("expected the newest entries kept, got %q", rec.Title)
		}
	}
	if used := fx.counters.Used(3, entitlement.UsageDay(globaltime.UTC())); used != 2 {
		t.Fatalf("expected 2 slots used, got %d", used)
	}

	again, err := fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("exhausted budget must not fail the run: %v", err)
	}
	if stage, _ := again.Stage("upsert"); stage.Reason != "budget_exhausted" {
		t.Fatalf("expected budget_exhausted skip, got %+v", stage)
	}
	if len(fx.store.items) != 2 {
		t.Fatalf("expected no new items, got %d", len(fx.store.items))
	}
}

func TestProcessFeedSkipsOpenCircuit(t *testing.T) {
	t.Parallel()

	row := baseFeed()
	row.ConsecutiveFailures = 3
	until := globaltime.UTC().Add(time.Hour)
	row.CircuitOpenUntil = &until
	fx := newFixture(row, okResult(storyItems()))

	report, err := fx.runner.ProcessFeed(context.Background(), 7)
	if err != nil {
		t.Fatalf("open circuit should skip without error, got %v", err)
	}
	if stage, _ := report.Stage("poll"); stage.Status != StageSkipped || stage.Reason != "circuit_open" {
		t.Fatalf("expected circuit_open skip, got %+v", stage)
	}
	if len(fx.poller.requests) != 0 {
		t.Fatalf("open circuit must not poll")
	}
}

func TestProcessFeedPollIntervalAndForce(t *testing.T) {
	t.Parallel()

	row := baseFeed()
	row.MinPollMinutes = 60
	last := globaltime.UTC().Add(-10 * time.Minute)
	row.LastPolledAt = &last
	fx := newFixture(row, okResult(nil))
	ctx := context.Background()

	report, err := fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("ProcessFeed() error = %v", err)
	}
	if stage, _ := report.Stage("poll"); stage.Reason != "poll_interval" {
		t.Fatalf("expected poll_interval skip, got %+v", stage)
	}
	if _, err := fx.runner.Process(ctx, 7, RunOptions{Force: true}); err != nil {
		t.Fatalf("forced Process() error = %v", err)
	}
	if len(fx.poller.requests) != 1 {
		t.Fatalf("expected forced run to poll once, got %d", len(fx.poller.requests))
	}
}

func TestProcessFeedPollFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(baseFeed(), feed.Result{})
	fx.poller.err = &feed.HTTPStatusError{URL: "https://news.example.com/rss", StatusCode: 503}
	ctx := context.Background()

	_, err := fx.runner.ProcessFeed(ctx, 7)
	if err == nil {
		t.Fatalf("expected poll error")
	}
	if jobs.IsPermanent(err) {
		t.Fatalf("http errors should be retried")
	}
	if fx.store.validators != 0 || fx.store.successes != 0 {
		t.Fatalf("failed run must not store validators or success")
	}

	state, err := fx.runner.RecordFailure(ctx, 7, err)
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if state.ConsecutiveFailures != 1 || len(fx.store.failures) != 1 {
		t.Fatalf("expected one failure recorded, got %+v", state)
	}
}

func TestProcessFeedUnsafeURLIsPermanent(t *testing.T) {
	t.Parallel()

	fx := newFixture(baseFeed(), feed.Result{})
	fx.poller.err = &feed.UnsafeURLError{URL: "http://127.0.0.1/rss", Reason: "loopback"}

	_, err := fx.runner.ProcessFeed(context.Background(), 7)
	if !jobs.IsPermanent(err) || !errors.Is(err, feed.ErrUnsafeURL) {
		t.Fatalf("expected permanent unsafe url error, got %v", err)
	}
}

func TestProcessFeedUnknownFeed(t *testing.T) {
	t.Parallel()

	fx := newFixture(baseFeed(), feed.Result{})
	if _, err := fx.runner.ProcessFeed(context.Background(), 99); !jobs.IsPermanent(err) {
		t.Fatalf("expected permanent error for unknown feed, got %v", err)
	}
}

func TestProcessFeedBlockedItemStaysOutOfClusters(t *testing.T) {
	t.Parallel()

	items := storyItems()[:1]
	fx := newFixture(baseFeed(), okResult(items))
	ctx := context.Background()

	if _, err := fx.runner.ProcessFeed(ctx, 7); err != nil {
		t.Fatalf("first ProcessFeed() error = %v", err)
	}
	visible := fx.store.memberOf[fx.store.itemID("story-1")]
	if visible == 0 {
		t.Fatalf("expected the first story clustered")
	}

	fx.store.feed.Weight = "prefer"
	fx.store.rules = []db.FilterRuleRow{{
		RuleID: 21, Pattern: "spam.example.com", Target: "domain", MatchType: "phrase", Mode: "block",
	}}
	fx.poller.result = okResult([]feed.ParsedItem{{
		GUID:        "spam-1",
		URL:         "https://spam.example.com/roblox-accounts-hacked",
		Title:       "Roblox accounts hacked in credential stuffing wave",
		PublishedAt: published.Add(2 * time.Minute),
	}})

	report, err := fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("second ProcessFeed() error = %v", err)
	}
	blocked := fx.store.itemID("spam-1")
	if fx.store.items[blocked].FilterState != "hidden" {
		t.Fatalf("expected blocked item hidden, got %q", fx.store.items[blocked].FilterState)
	}
	if _, member := fx.store.memberOf[blocked]; member {
		t.Fatalf("blocked item must not join a cluster")
	}
	if report.Clustered != 0 || report.Hidden != 0 {
		t.Fatalf("expected nothing clustered or hidden, got %+v", report)
	}
	c := fx.store.clusters[visible]
	if c.rep != fx.store.itemID("story-1") || c.members != 1 || c.filterState != "pass" {
		t.Fatalf("visible story changed: %+v", *c)
	}
}

func TestProcessFeedRetryRepollsAfterFailure(t *testing.T) {
	t.Parallel()

	row := baseFeed()
	row.MinPollMinutes = 15
	fx := newFixture(row, okResult(storyItems()))
	fx.poller.err = &feed.HTTPStatusError{URL: row.URL, StatusCode: 503}
	ctx := context.Background()

	_, runErr := fx.runner.ProcessFeed(ctx, 7)
	if !IsPollFailure(runErr) {
		t.Fatalf("expected a poll failure, got %v", runErr)
	}
	if _, err := fx.runner.RecordFailure(ctx, 7, runErr); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if fx.store.feed.LastPolledAt == nil {
		t.Fatalf("expected the failed attempt to stamp last_polled_at")
	}

	fx.poller.err = nil
	scheduled, err := fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("scheduled ProcessFeed() error = %v", err)
	}
	if stage, _ := scheduled.Stage("poll"); stage.Reason != "poll_interval" {
		t.Fatalf("expected a scheduled run inside the interval to skip, got %+v", stage)
	}

	retry, err := fx.runner.Process(ctx, 7, RunOptions{Retry: true})
	if err != nil {
		t.Fatalf("retry Process() error = %v", err)
	}
	if len(fx.poller.requests) != 2 || retry.Inserted != 5 {
		t.Fatalf("expected the retry to poll and ingest, got polls=%d report=%+v", len(fx.poller.requests), retry)
	}
}

// Runs without t.Parallel because it pins the shared clock.
func TestProcessFeedCircuitReopensWithClock(t *testing.T) {
	now := time.Date(2026, 10, 5, 13, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(now)
	defer globaltime.ResetTime()

	row := baseFeed()
	row.ConsecutiveFailures = 3
	until := now.Add(30 * time.Minute)
	row.CircuitOpenUntil = &until
	fx := newFixture(row, okResult(storyItems()))
	ctx := context.Background()

	report, err := fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("ProcessFeed() error = %v", err)
	}
	if stage, _ := report.Stage("poll"); stage.Reason != "circuit_open" {
		t.Fatalf("expected circuit_open skip, got %+v", stage)
	}

	globaltime.SetMockTime(until.Add(time.Minute))
	report, err = fx.runner.ProcessFeed(ctx, 7)
	if err != nil {
		t.Fatalf("ProcessFeed() after cooldown error = %v", err)
	}
	if report.Inserted != 5 || fx.store.feed.ConsecutiveFailures != 0 || fx.store.feed.CircuitOpenUntil != nil {
		t.Fatalf("expected a full run that closes the circuit, got %+v feed=%+v", report, fx.store.feed)
	}
	if used := fx.counters.Used(3, entitlement.UsageDay(now)); used != 5 {
		t.Fatalf("expected usage booked on the pinned day, got %d", used)
	}
}
