package ai

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/entitlement"
)

type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	tags  []string
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) Complete(_ context.Context, req Request) Completion {
	p.mu.Lock()
	defer p.mu.Unlock()

	tag := ""
	if p.calls < len(p.tags) {
		tag = p.tags[p.calls]
	}
	p.calls++
	if tag != "" {
		return failed(p.Name(), p.Model(), tag, time.Now())
	}
	return Completion{Text: "ok:" + req.Purpose, Provider: p.Name(), Model: p.Model(), InputTokens: 3, OutputTokens: 2}
}

type callLog struct {
	mu    sync.Mutex
	calls []db.AICallParams
}

func (l *callLog) InsertAICall(_ context.Context, call db.AICallParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
	return nil
}

func newTestClient(provider Provider, counters *entitlement.MemoryCounters, now time.Time, log *callLog) *Client {
	return NewClient(provider, ClientOptions{
		Budget:        entitlement.NewBudget(counters, func() time.Time { return now }),
		Recorder:      log,
		MaxConcurrent: 2,
		Timeout:       time.Second,
		Logger:        zerolog.Nop(),
	})
}

func TestClientChargesOnlySuccessfulCalls(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	counters := entitlement.NewMemoryCounters()
	log := &callLog{}
	provider := &scriptedProvider{tags: []string{"", TagRateLimited, ""}}
	client := newTestClient(provider, counters, now, log)

	for i := 0; i < 3; i++ {
		client.Complete(context.Background(), 7, 10, Request{Purpose: "summary"})
	}

	if got := counters.Used(7, entitlement.UsageDay(now)); got != 2 {
		t.Fatalf("used = %d, want 2", got)
	}
	if len(log.calls) != 3 {
		t.Fatalf("recorded calls = %d, want 3", len(log.calls))
	}
	if log.calls[1].ErrorTag == nil || *log.calls[1].ErrorTag != TagRateLimited {
		t.Fatalf("second call tag = %v", log.calls[1].ErrorTag)
	}
	if log.calls[0].ErrorTag != nil || log.calls[0].InputTokens != 3 || log.calls[0].Purpose != "summary" {
		t.Fatalf("unexpected first call %+v", log.calls[0])
	}
}

func TestClientBudgetExhausted(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	counters := entitlement.NewMemoryCounters()
	provider := &scriptedProvider{}
	client := newTestClient(provider, counters, now, &callLog{})

	first := client.Complete(context.Background(), 1, 1, Request{Purpose: "summary"})
	if first.Failed() {
		t.Fatalf("first call failed: %q", first.ErrorTag)
	}
	second := client.Complete(context.Background(), 1, 1, Request{Purpose: "summary"})
	if second.ErrorTag != TagBudgetExhausted {
		t.Fatalf("tag = %q, want %q", second.ErrorTag, TagBudgetExhausted)
	}
	if second.Text != "[ai_error:budget_exhausted]" {
		t.Fatalf("text = %q", second.Text)
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls)
	}

	other := client.Complete(context.Background(), 2, 1, Request{Purpose: "summary"})
	if other.Failed() {
		t.Fatalf("other account should have its own budget, got %q", other.ErrorTag)
	}
}

func TestClientUncappedAccountStillCounted(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	counters := entitlement.NewMemoryCounters()
	client := newTestClient(&scriptedProvider{}, counters, now, &callLog{})

	for i := 0; i < 4; i++ {
		if c := client.Complete(context.Background(), 3, 0, Request{Purpose: "topics"}); c.Failed() {
			t.Fatalf("call %d failed: %q", i, c.ErrorTag)
		}
	}
	if got := counters.Used(3, entitlement.UsageDay(now)); got != 4 {
		t.Fatalf("used = %d, want 4", got)
	}
}

func TestNilClientIsDisabled(t *testing.T) {
	t.Parallel()

	var client *Client
	if client.Enabled() {
		t.Fatalf("nil client should be disabled")
	}
	completion := client.Complete(context.Background(), 1, 5, Request{Purpose: "summary"})
	if completion.ErrorTag != TagDisabled {
		t.Fatalf("tag = %q, want %q", completion.ErrorTag, TagDisabled)
	}
	if NewClient(nil, ClientOptions{}) != nil {
		t.Fatalf("NewClient(nil) should return nil")
	}
}
