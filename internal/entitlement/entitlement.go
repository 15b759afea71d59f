// Package entitlement enforces plan-derived poll frequency and daily ingestion caps.
package entitlement

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Plan carries the externally supplied entitlement values for one account.
type Plan struct {
	MinPollMinutes int
	DailyItemCap   int // <= 0 means no plan limit
}

// IsPollAllowed is true when the feed was never polled or the plan's minimum
// interval has elapsed.
func IsPollAllowed(lastPolledAt *time.Time, minPollMinutes int, now time.Time) bool {
	if lastPolledAt == nil || lastPolledAt.IsZero() {
		return true
	}
	if minPollMinutes <= 0 {
		return true
	}
	return now.Sub(*lastPolledAt) >= time.Duration(minPollMinutes)*time.Minute
}

// Grant is max(0, min(requested, limit-used)).
func Grant(limit, used, requested int) int {
	remaining := limit - used
	granted := requested
	if remaining < granted {
		granted = remaining
	}
	if granted < 0 {
		return 0
	}
	return granted
}

// UsageDay returns the UTC calendar day a usage counter is keyed by.
func UsageDay(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// CounterStore mutates the per-account per-day usage counter atomically.
type CounterStore interface {
	ReserveUsage(ctx context.Context, accountID int64, day time.Time, limit, requested int) (int, error)
	ReleaseUsage(ctx context.Context, accountID int64, day time.Time, amount int) error
	IncrementUsage(ctx context.Context, accountID int64, day time.Time, amount int) error
}

// Budget is the reserve/commit/release front for the daily ingestion cap.
type Budget struct {
	store CounterStore
	now   func() time.Time
}

func NewBudget(store CounterStore, now func() time.Time) *Budget {
	if now == nil {
		now = time.Now
	}
	return &Budget{store: store, now: now}
}

// Reservation tracks slots granted for one batch.
type Reservation struct {
	AccountID int64
	Day       time.Time
	Granted   int
	Unlimited bool
}

// Reserve grants up to requested slots for today. A plan without a limit grants
// everything and defers accounting to Commit.
func (b *Budget) Reserve(ctx context.Context, accountID int64, plan Plan, requested int) (Reservation, error) {
	if b == nil || b.store == nil {
		return Reservation{}, fmt.Errorf("budget is not initialized")
	}
	day := UsageDay(b.now())
	if requested <= 0 {
		return Reservation{AccountID: accountID, Day: day, Unlimited: plan.DailyItemCap <= 0}, nil
	}
	if plan.DailyItemCap <= 0 {
		return Reservation{AccountID: accountID, Day: day, Granted: requested, Unlimited: true}, nil
	}

	granted, err := b.store.ReserveUsage(ctx, accountID, day, plan.DailyItemCap, requested)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve usage account_id=%d: %w", accountID, err)
	}
	return Reservation{AccountID: accountID, Day: day, Granted: granted}, nil
}

// Commit settles a reservation once consumed slots are known. Unused reserved
// slots are released; unlimited plans are incremented by what was consumed.
func (b *Budget) Commit(ctx context.Context, r Reservation, consumed int) error {
	if consumed < 0 {
		consumed = 0
	}
	if r.Unlimited {
		if consumed == 0 {
			return nil
		}
		if err := b.store.IncrementUsage(ctx, r.AccountID, r.Day, consumed); err != nil {
			return fmt.Errorf("increment usage account_id=%d: %w", r.AccountID, err)
		}
		return nil
	}
	if unused := r.Granted - consumed; unused > 0 {
		if err := b.store.ReleaseUsage(ctx, r.AccountID, r.Day, unused); err != nil {
			return fmt.Errorf("release usage account_id=%d: %w", r.AccountID, err)
		}
	}
	return nil
}

type counterKey struct {
	accountID int64
	day       time.Time
}

// MemoryCounters is an in-process CounterStore.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[counterKey]int
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: make(map[counterKey]int)}
}

func (m *MemoryCounters) ReserveUsage(_ context.Context, accountID int64, day time.Time, limit, requested int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey{accountID: accountID, day: day}
	granted := Grant(limit, m.counts[key], requested)
	m.counts[key] += granted
	return granted, nil
}

func (m *MemoryCounters) ReleaseUsage(_ context.Context, accountID int64, day time.Time, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey{accountID: accountID, day: day}
	m.counts[key] -= amount
	if m.counts[key] < 0 {
		m.counts[key] = 0
	}
	return nil
}

func (m *MemoryCounters) IncrementUsage(_ context.Context, accountID int64, day time.Time, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[counterKey{accountID: accountID, day: day}] += amount
	return nil
}

// Used returns the current counter value.
func (m *MemoryCounters) Used(accountID int64, day time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[counterKey{accountID: accountID, day: day}]
}
