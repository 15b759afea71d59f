package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/gorm/logger"
)

func TestValuesList(t *testing.T) {
	t.Parallel()

	got := valuesList(2, []string{"bigint", "", "text"}, 1)
	want := "($2::bigint, $3, $4::text), ($5::bigint, $6, $7::text)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := valuesList(0, []string{"text"}, 0); got != "" {
		t.Fatalf("expected empty list for zero rows, got %q", got)
	}
}

func TestOrphanedRepresentatives(t *testing.T) {
	t.Parallel()

	clusters := []NewClusterParams{
		{SeedItemID: 10},
		{SeedItemID: 20, RepresentativeItemID: 21},
		{SeedItemID: 30},
	}
	created := map[int64]int64{10: 100, 20: 200}
	added := map[int64]int64{
		10: 100,
		// 21 was claimed by another cluster, so 200 needs a new representative.
		21: 999,
		24: 200,
		22: 200,
	}

	got := orphanedRepresentatives(clusters, created, added)
	if len(got) != 1 {
		t.Fatalf("expected one re-pointed cluster, got %+v", got)
	}
	if got[0] != (RepresentativeParams{ClusterID: 200, ItemID: 22}) {
		t.Fatalf("expected cluster 200 to take item 22, got %+v", got[0])
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	if !IsNoRows(fmt.Errorf("load feed: %w", ErrNoRows)) {
		t.Fatalf("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(errors.New("boom")) {
		t.Fatalf("unexpected no-rows match")
	}
	if !IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatalf("expected unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation is not a unique violation")
	}
}

func TestTruncateError(t *testing.T) {
	t.Parallel()

	if got := truncateError("  short  "); got != "short" {
		t.Fatalf("expected trimmed message, got %q", got)
	}
	if got := truncateError(strings.Repeat("x", 1500)); len(got) != 1000 {
		t.Fatalf("expected 1000 chars, got %d", len(got))
	}
}

func TestResolveGormLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]logger.LogLevel{
		"debug":  logger.Info,
		"info":   logger.Warn,
		"error":  logger.Error,
		"silent": logger.Silent,
	}
	for level, want := range cases {
		if got := resolveGormLogLevel(level, "production"); got != want {
			t.Fatalf("resolveGormLogLevel(%q) = %v, want %v", level, got, want)
		}
	}
}

func TestGormLoggerTrace(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newGormLogger(zerolog.New(&buf), logger.Warn)
	stmt := func() (string, int64) { return "SELECT 1\n\tFROM loom.feeds", 1 }

	log.Trace(context.Background(), time.Now(), stmt, nil)
	if buf.Len() != 0 {
		t.Fatalf("fast successful query should not log at warn, got %q", buf.String())
	}

	log.Trace(context.Background(), time.Now(), stmt, ErrNoRows)
	if buf.Len() != 0 {
		t.Fatalf("no-rows should not log as a failure, got %q", buf.String())
	}

	log.Trace(context.Background(), time.Now().Add(-time.Second), stmt, nil)
	if !strings.Contains(buf.String(), "slow query") || !strings.Contains(buf.String(), "SELECT 1 FROM loom.feeds") {
		t.Fatalf("expected compacted slow query log, got %q", buf.String())
	}

	buf.Reset()
	log.LogMode(logger.Silent).Trace(context.Background(), time.Now(), stmt, errors.New("boom"))
	if buf.Len() != 0 {
		t.Fatalf("silent mode should drop everything, got %q", buf.String())
	}
}
