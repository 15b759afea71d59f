package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"horse.fit/newsloom/internal/config"
)

var ErrNoRows = sql.ErrNoRows

var errPoolClosed = errors.New("database pool is not initialized")

// CommandTag mirrors the pgx result of an Exec.
type CommandTag struct {
	rowsAffected int64
}

func (c CommandTag) RowsAffected() int64 {
	return c.rowsAffected
}

// Row is a single-row result; Scan returns ErrNoRows when nothing matched.
type Row struct {
	*sql.Row
}

// Rows is a multi-row result. Close drops the error so callers can defer it.
type Rows struct {
	*sql.Rows
}

func (r *Rows) Close() {
	if r != nil && r.Rows != nil {
		_ = r.Rows.Close()
	}
}

// Querier is satisfied by both *Pool and Tx.
type Querier interface {
	QueryRow(ctx context.Context, query string, args ...any) *Row
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
	Exec(ctx context.Context, query string, args ...any) (CommandTag, error)
}

type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// rawQuerier runs raw SQL through a gorm handle, either the pool or an open
// transaction.
type rawQuerier struct {
	gdb *gorm.DB
}

func (q rawQuerier) QueryRow(ctx context.Context, query string, args ...any) *Row {
	return &Row{q.gdb.WithContext(ctx).Raw(query, args...).Row()}
}

func (q rawQuerier) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	if q.gdb == nil {
		return nil, errPoolClosed
	}
	rows, err := q.gdb.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	return &Rows{rows}, nil
}

func (q rawQuerier) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	if q.gdb == nil {
		return CommandTag{}, errPoolClosed
	}
	res := q.gdb.WithContext(ctx).Exec(query, args...)
	return CommandTag{rowsAffected: res.RowsAffected}, res.Error
}

type gormTx struct {
	rawQuerier
}

func (t gormTx) Commit(ctx context.Context) error {
	return t.gdb.WithContext(ctx).Commit().Error
}

func (t gormTx) Rollback(ctx context.Context) error {
	return t.gdb.WithContext(ctx).Rollback().Error
}

// Pool is the process-wide database handle. Queries are raw SQL with $n
// placeholders; gorm owns the connection pool and schema migration.
type Pool struct {
	rawQuerier
	sqlDB  *sql.DB
	logger zerolog.Logger
}

// NewPool connects and pings. It does not touch the schema; call Migrate.
func NewPool(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:  newGormLogger(log, resolveGormLogLevel(cfg.LogLevel, cfg.Environment)),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}
	maxOpen := max(1, int(cfg.DBMaxConns))
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(int(cfg.DBMinConns), maxOpen)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Pool{rawQuerier: rawQuerier{gdb: gdb}, sqlDB: sqlDB, logger: log}, nil
}

func (p *Pool) BeginTx(ctx context.Context) (Tx, error) {
	if p == nil || p.gdb == nil {
		return nil, errPoolClosed
	}
	tx := p.gdb.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return gormTx{rawQuerier{gdb: tx}}, nil
}

// WithTx runs fn in a transaction and commits when it returns nil.
func (p *Pool) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return errPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

func IsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows)
}

// IsUniqueViolation reports a postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// valuesList renders "($1::t, $2, ...), (...)" tuples for a multi-row VALUES
// list. casts holds one optional type per column.
func valuesList(rows int, casts []string, offset int) string {
	var b strings.Builder
	n := offset
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c, cast := range casts {
			if c > 0 {
				b.WriteString(", ")
			}
			n++
			fmt.Fprintf(&b, "$%d", n)
			if cast != "" {
				b.WriteString("::")
				b.WriteString(cast)
			}
		}
		b.WriteByte(')')
	}
	return b.String()
}
