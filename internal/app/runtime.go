package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/cli"
	"horse.fit/newsloom/internal/config"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/logging"
)

const (
	outputFormatTable = "table"
	outputFormatJSON  = "json"
)

// runtime is what every database-backed command starts from.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *db.Pool
}

func (r *runtime) Close() {
	if r != nil && r.pool != nil {
		_ = r.pool.Close()
	}
}

// openRuntime loads the env file, config and logger, connects and migrates
// the schema.
func openRuntime(ctx context.Context, envLoader *cli.EnvLoader) (*runtime, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Migrate(ctx); err != nil {
		_ = pool.Close()
		logger.Error().Err(err).Msg("schema migration failed")
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &runtime{cfg: cfg, logger: logger, pool: pool}, nil
}

// parseFlags returns (exit code, done). done is true when the caller should
// return the code immediately.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, true
		}
		return 2, true
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "%s does not accept positional arguments\n", fs.Name())
		return 2, true
	}
	return 0, false
}

func parseOutputFormat(raw, defaultFormat string) (string, error) {
	format := strings.TrimSpace(strings.ToLower(raw))
	if format == "" {
		format = strings.TrimSpace(strings.ToLower(defaultFormat))
	}
	switch format {
	case outputFormatTable, outputFormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("--format must be table or json")
	}
}

func utcDayBounds(day time.Time) (time.Time, time.Time) {
	utc := day.UTC()
	start := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeTable(headers []string, rows [][]string) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return writer.Flush()
}
