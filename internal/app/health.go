package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/newsloom/internal/cli"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Database ping timeout")

	if code, done := parseFlags(fs, args); done {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := openRuntime(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	if err := rt.pool.Ping(ctx); err != nil {
		rt.logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	rt.logger.Info().Dur("timeout", *timeout).Msg("database health check passed")
	fmt.Println("ok: database ping successful")
	return 0
}

func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Migration timeout")

	if code, done := parseFlags(fs, args); done {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := openRuntime(ctx, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	rt.logger.Info().Msg("schema migrated")
	fmt.Println("ok: schema is up to date")
	return 0
}
