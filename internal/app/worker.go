package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/newsloom/internal/cli"
	"horse.fit/newsloom/internal/httpapi"
)

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	concurrency := fs.Int("concurrency", 0, "Job workers (overrides WORKER_CONCURRENCY when > 0)")
	noScheduler := fs.Bool("no-scheduler", false, "Only run queued jobs, do not enqueue recurring ones")
	drain := fs.Bool("drain", false, "Run queued jobs until the queue is empty, then exit")
	serve := fs.Bool("serve", false, "Also serve the operational HTTP API")
	port := fs.Int("port", 8090, "HTTP port when --serve is set")

	if code, done := parseFlags(fs, args); done {
		return code
	}
	if *concurrency < 0 {
		fmt.Fprintln(os.Stderr, "--concurrency must be >= 0")
		return 2
	}
	if *serve && (*port <= 0 || *port > 65535) {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	rt, err := openRuntime(connectCtx, envLoader)
	connectCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()

	if *concurrency > 0 {
		rt.cfg.Worker.Concurrency = *concurrency
	}

	svc, err := buildServices(rt.cfg, rt.pool, rt.logger)
	if err != nil {
		rt.logger.Error().Err(err).Msg("worker wiring failed")
		fmt.Fprintf(os.Stderr, "Failed to start worker: %v\n", err)
		return 1
	}

	if *drain {
		processed := 0
		for ctx.Err() == nil {
			ran, err := svc.runner.RunOnce(ctx)
			if err != nil {
				rt.logger.Error().Err(err).Msg("drain iteration failed")
				fmt.Fprintf(os.Stderr, "Drain failed after %d jobs: %v\n", processed, err)
				return 1
			}
			if !ran {
				break
			}
			processed++
		}
		rt.logger.Info().Int("jobs", processed).Msg("queue drained")
		fmt.Printf("ok: processed %d jobs\n", processed)
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.runner.Run(gctx) })
	if !*noScheduler {
		g.Go(func() error { return svc.scheduler.Run(gctx) })
	}
	if *serve {
		srv := httpapi.NewServer(rt.pool, svc.queue, rt.logger, httpapi.Options{Port: *port})
		g.Go(func() error { return srv.Start(gctx) })
	}

	rt.logger.Info().
		Int("concurrency", rt.cfg.Worker.Concurrency).
		Bool("scheduler", !*noScheduler).
		Bool("serve", *serve).
		Msg("worker started")

	if err := g.Wait(); err != nil {
		rt.logger.Error().Err(err).Msg("worker stopped with error")
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	rt.logger.Info().Msg("worker stopped")
	return 0
}
