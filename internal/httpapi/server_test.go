package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/jobs"
)

type fakeBackend struct {
	pingErr  error
	feeds    map[int64]bool
	accounts map[int64]bool
	due      []db.DueFeed
	dueLimit int
	counts   []db.JobStatusCount
	filters  []db.FilterRuleParams
}

func (b *fakeBackend) Ping(context.Context) error { return b.pingErr }

func (b *fakeBackend) GetFeedRun(_ context.Context, feedID int64) (db.FeedRunRow, error) {
	if !b.feeds[feedID] {
		return db.FeedRunRow{}, db.ErrNoRows
	}
	return db.FeedRunRow{FeedID: feedID}, nil
}

func (b *fakeBackend) GetAccountAIDailyCallCap(_ context.Context, accountID int64) (int, error) {
	if !b.accounts[accountID] {
		return 0, db.ErrNoRows
	}
	return 10, nil
}

func (b *fakeBackend) ListDueFeeds(_ context.Context, _ time.Time, limit int) ([]db.DueFeed, error) {
	b.dueLimit = limit
	return b.due, nil
}

func (b *fakeBackend) JobStatusCounts(context.Context) ([]db.JobStatusCount, error) {
	return b.counts, nil
}

func (b *fakeBackend) QueryPipelineStats(_ context.Context, dayStart, _, _ time.Time) (*db.PipelineStats, error) {
	return &db.PipelineStats{Day: dayStart.Format("2006-01-02")}, nil
}

func (b *fakeBackend) EnsureFolder(context.Context, int64, string) (int64, error) { return 1, nil }

func (b *fakeBackend) ReplaceFilterRules(_ context.Context, _ int64, rules []db.FilterRuleParams) (int, error) {
	b.filters = rules
	return len(rules), nil
}

func (b *fakeBackend) ReplaceFolderKeywordRules(_ context.Context, _ int64, rules []db.FolderKeywordRuleParams) (int, error) {
	return len(rules), nil
}

type enqueueCall struct {
	kind    string
	payload any
	dedup   string
}

type fakeQueue struct {
	calls   []enqueueCall
	pending map[string]bool
}

func (q *fakeQueue) Enqueue(_ context.Context, kind string, payload any, opts jobs.EnqueueOptions) (string, bool, error) {
	q.calls = append(q.calls, enqueueCall{kind: kind, payload: payload, dedup: opts.DedupKey})
	if q.pending == nil {
		q.pending = map[string]bool{}
	}
	if q.pending[opts.DedupKey] {
		return "", false, nil
	}
	q.pending[opts.DedupKey] = true
	return "job-1", true, nil
}

func newTestServer(backend *fakeBackend, queue *fakeQueue) http.Handler {
	return NewServer(backend, queue, zerolog.Nop(), Options{}).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, jsendResponse) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp jsendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeBackend{}, &fakeQueue{})
	if code, resp := do(t, h, http.MethodGet, "/api/v1/health", ""); code != http.StatusOK || resp.Status != "success" {
		t.Fatalf("expected healthy, got %d %+v", code, resp)
	}

	down := newTestServer(&fakeBackend{pingErr: errors.New("connection refused")}, &fakeQueue{})
	if code, resp := do(t, down, http.MethodGet, "/api/v1/health", ""); code != http.StatusServiceUnavailable || resp.Status != "error" {
		t.Fatalf("expected unavailable, got %d %+v", code, resp)
	}
}

func TestDueFeedsValidatesLimit(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{due: []db.DueFeed{{FeedID: 3}}}
	h := newTestServer(backend, &fakeQueue{})

	if code, _ := do(t, h, http.MethodGet, "/api/v1/feeds/due?limit=9999", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized limit, got %d", code)
	}
	code, resp := do(t, h, http.MethodGet, "/api/v1/feeds/due", "")
	if code != http.StatusOK || backend.dueLimit != defaultDueLimit {
		t.Fatalf("expected default limit, got %d limit=%d", code, backend.dueLimit)
	}
	data := resp.Data.(map[string]any)
	if items := data["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one due feed, got %v", items)
	}
}

func TestPollFeedEnqueuesDeduplicated(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{}
	h := newTestServer(&fakeBackend{feeds: map[int64]bool{7: true}}, queue)

	code, resp := do(t, h, http.MethodPost, "/api/v1/feeds/7/poll?force=true", "")
	if code != http.StatusAccepted || resp.Data.(map[string]any)["enqueued"] != true {
		t.Fatalf("expected accepted enqueue, got %d %+v", code, resp)
	}
	code, resp = do(t, h, http.MethodPost, "/api/v1/feeds/7/poll", "")
	if code != http.StatusAccepted || resp.Data.(map[string]any)["enqueued"] != false {
		t.Fatalf("expected dedup on second poll, got %d %+v", code, resp)
	}
	if queue.calls[0].kind != jobs.KindProcessFeed || queue.calls[0].dedup != "process_feed:7" {
		t.Fatalf("unexpected enqueue: %+v", queue.calls[0])
	}

	if code, _ := do(t, h, http.MethodPost, "/api/v1/feeds/99/poll", ""); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown feed, got %d", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/api/v1/feeds/abc/poll", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/api/v1/feeds/7/poll?force=maybe", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad force flag, got %d", code)
	}
}

func TestDigestEnqueue(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{}
	h := newTestServer(&fakeBackend{accounts: map[int64]bool{3: true}}, queue)

	if code, _ := do(t, h, http.MethodPost, "/api/v1/accounts/3/digest?force=1", ""); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if len(queue.calls) != 1 || queue.calls[0].kind != jobs.KindDigest {
		t.Fatalf("unexpected enqueue calls: %+v", queue.calls)
	}
	if code, _ := do(t, h, http.MethodPost, "/api/v1/accounts/4/digest", ""); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", code)
	}
}

func TestImportRules(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	h := newTestServer(backend, &fakeQueue{})

	doc := "account_id: 3\nfilter_rules:\n  - pattern: roblox\n    mode: mute\n    breakout: true\n"
	code, resp := do(t, h, http.MethodPut, "/api/v1/accounts/3/rules", doc)
	if code != http.StatusOK || len(backend.filters) != 1 {
		t.Fatalf("expected rules imported, got %d %+v", code, resp)
	}
	if code, _ := do(t, h, http.MethodPut, "/api/v1/accounts/4/rules", doc); code != http.StatusBadRequest {
		t.Fatalf("expected account mismatch rejected, got %d", code)
	}
	if code, _ := do(t, h, http.MethodPut, "/api/v1/accounts/3/rules", "account_id: 3\nfilter_rules:\n  - pattern: x\n    mode: hide\n"); code != http.StatusBadRequest {
		t.Fatalf("expected invalid document rejected, got %d", code)
	}
}

func TestJobStatsAndUnknownRoute(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{counts: []db.JobStatusCount{{Kind: jobs.KindProcessFeed, Status: "queued", Count: 4}}}
	h := newTestServer(backend, &fakeQueue{})

	code, resp := do(t, h, http.MethodGet, "/api/v1/jobs/stats", "")
	if code != http.StatusOK || len(resp.Data.(map[string]any)["items"].([]any)) != 1 {
		t.Fatalf("unexpected job stats response: %d %+v", code, resp)
	}
	if code, resp := do(t, h, http.MethodGet, "/api/v1/nope", ""); code != http.StatusNotFound || resp.Status != "fail" {
		t.Fatalf("expected jsend 404, got %d %+v", code, resp)
	}
}
