package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"
)

//go:embed sql/pre_automigrate.sql
var preAutoMigrateSQL string

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

type migrationStep struct {
	name string
	run  func(ctx context.Context) error
}

// Migrate brings the loom schema up to date: enums and the schema itself,
// then gorm's table migration, then partial indexes and constraints gorm
// cannot express. Every step is idempotent.
func (p *Pool) Migrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return errPoolClosed
	}

	steps := []migrationStep{
		{name: "pre-auto-migrate", run: p.sqlStep(preAutoMigrateSQL)},
		{name: "auto-migrate", run: func(ctx context.Context) error {
			return p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...)
		}},
		{name: "post-auto-migrate", run: p.sqlStep(postAutoMigrateSQL)},
	}
	for _, step := range steps {
		started := time.Now()
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("migration step %s: %w", step.name, err)
		}
		p.logger.Debug().Str("step", step.name).Dur("elapsed", time.Since(started)).Msg("migration step applied")
	}
	return nil
}

func (p *Pool) sqlStep(script string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		trimmed := strings.TrimSpace(script)
		if trimmed == "" {
			return nil
		}
		return p.gdb.WithContext(ctx).Exec(trimmed).Error
	}
}
