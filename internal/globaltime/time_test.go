package globaltime

import (
	"testing"
	"time"
)

func TestMockTime(t *testing.T) {
	at := time.Date(2026, 10, 5, 9, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	SetMockTime(at)
	defer ResetTime()

	if got := Now(); !got.Equal(at) {
		t.Fatalf("Now() = %v, want %v", got, at)
	}
	if got := UTC(); got.Location() != time.UTC || !got.Equal(at) {
		t.Fatalf("UTC() = %v, want %v in UTC", got, at)
	}

	ResetTime()
	if got := Now(); time.Since(got) > time.Minute {
		t.Fatalf("expected the wall clock after reset, got %v", got)
	}
}
