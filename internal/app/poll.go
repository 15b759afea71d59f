package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/newsloom/internal/cli"
	"horse.fit/newsloom/internal/pipeline"
	"horse.fit/newsloom/internal/worker"
)

type stageOutput struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type pollOutput struct {
	FeedID          int64         `json:"feed_id"`
	AccountID       int64         `json:"account_id"`
	NotModified     bool          `json:"not_modified"`
	Parsed          int           `json:"parsed"`
	Granted         int           `json:"granted"`
	Inserted        int           `json:"inserted"`
	Updated         int           `json:"updated"`
	FailedItems     int           `json:"failed_items"`
	Clustered       int           `json:"clustered"`
	ClustersCreated int           `json:"clusters_created"`
	Hidden          int           `json:"hidden"`
	Breakouts       int           `json:"breakouts"`
	Stages          []stageOutput `json:"stages"`
	Error           string        `json:"error,omitempty"`
}

func newPollOutput(report pipeline.Report, runErr error) pollOutput {
	out := pollOutput{
		FeedID:          report.FeedID,
		AccountID:       report.AccountID,
		NotModified:     report.NotModified,
		Parsed:          report.Parsed,
		Granted:         report.Granted,
		Inserted:        report.Inserted,
		Updated:         report.Updated,
		FailedItems:     report.FailedItems,
		Clustered:       report.Clustered,
		ClustersCreated: report.ClustersCreated,
		Hidden:          report.Hidden,
		Breakouts:       report.Breakouts,
		Stages:          make([]stageOutput, 0, len(report.Stages)),
	}
	for _, s := range report.Stages {
		stage := stageOutput{
			Stage:      s.Stage,
			Status:     string(s.Status),
			Reason:     s.Reason,
			DurationMS: s.Duration.Milliseconds(),
		}
		if s.Err != nil {
			stage.Error = s.Err.Error()
		}
		out.Stages = append(out.Stages, stage)
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	return out
}

func runPollFeed(args []string) int {
	fs := flag.NewFlagSet("poll-feed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	feedID := fs.Int64("feed-id", 0, "Feed to process (required)")
	force := fs.Bool("force", false, "Ignore the plan's minimum poll interval")
	enqueue := fs.Bool("enqueue", false, "Enqueue a process_feed job instead of running inline")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if code, done := parseFlags(fs, args); done {
		return code
	}
	if *feedID <= 0 {
		fmt.Fprintln(os.Stderr, "--feed-id is required")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := openRuntime(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()

	svc, err := buildServices(rt.cfg, rt.pool, rt.logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to wire pipeline: %v\n", err)
		return 1
	}

	if *enqueue {
		jobID, enqueued, err := worker.EnqueueFeed(ctx, svc.queue, *feedID, *force)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to enqueue feed: %v\n", err)
			return 1
		}
		if !enqueued {
			fmt.Printf("feed %d already has a pending job\n", *feedID)
			return 0
		}
		fmt.Printf("enqueued job %s for feed %d\n", jobID, *feedID)
		return 0
	}

	report, runErr := svc.pipeline.Process(ctx, *feedID, pipeline.RunOptions{Force: *force})
	if pipeline.IsPollFailure(runErr) {
		if _, err := svc.pipeline.RecordFailure(context.WithoutCancel(ctx), *feedID, runErr); err != nil {
			rt.logger.Error().Err(err).Int64("feed_id", *feedID).Msg("record feed failure failed")
		}
	}

	out := newPollOutput(report, runErr)
	if outputFormat == outputFormatJSON {
		if err := printJSON(out); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
	} else if err := writePollTable(out); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Feed run failed: %v\n", runErr)
		return 1
	}
	return 0
}

func writePollTable(out pollOutput) error {
	counts := [][]string{
		{"parsed", strconv.Itoa(out.Parsed)},
		{"granted", strconv.Itoa(out.Granted)},
		{"inserted", strconv.Itoa(out.Inserted)},
		{"updated", strconv.Itoa(out.Updated)},
		{"failed_items", strconv.Itoa(out.FailedItems)},
		{"clustered", strconv.Itoa(out.Clustered)},
		{"clusters_created", strconv.Itoa(out.ClustersCreated)},
		{"hidden", strconv.Itoa(out.Hidden)},
		{"breakouts", strconv.Itoa(out.Breakouts)},
	}
	if err := writeTable([]string{"metric", "value"}, counts); err != nil {
		return err
	}
	fmt.Println()

	stages := make([][]string, 0, len(out.Stages))
	for _, s := range out.Stages {
		detail := s.Reason
		if s.Error != "" {
			detail = s.Error
		}
		stages = append(stages, []string{s.Stage, s.Status, strconv.FormatInt(s.DurationMS, 10) + "ms", detail})
	}
	return writeTable([]string{"stage", "status", "duration", "detail"}, stages)
}
