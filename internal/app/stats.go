package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/newsloom/internal/cli"
	"horse.fit/newsloom/internal/globaltime"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if code, done := parseFlags(fs, args); done {
		return code
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

	now := globaltime.UTC()
	dayStart, dayEnd := utcDayBounds(now)
	stats, err := rt.pool.QueryPipelineStats(ctx, dayStart, dayEnd, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query pipeline stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	var totals [4]int64
	accountRows := make([][]string, 0, len(stats.Accounts)+1)
	for _, row := range stats.Accounts {
		accountRows = append(accountRows, []string{
			strconv.FormatInt(row.AccountID, 10),
			strconv.FormatInt(row.Feeds, 10),
			strconv.FormatInt(row.OpenCircuits, 10),
			strconv.FormatInt(row.Items, 10),
			strconv.FormatInt(row.Clusters, 10),
		})
		totals[0] += row.Feeds
		totals[1] += row.OpenCircuits
		totals[2] += row.Items
		totals[3] += row.Clusters
	}
	accountRows = append(accountRows, []string{
		"TOTAL",
		strconv.FormatInt(totals[0], 10),
		strconv.FormatInt(totals[1], 10),
		strconv.FormatInt(totals[2], 10),
		strconv.FormatInt(totals[3], 10),
	})

	if err := writeTable([]string{"account", "feeds", "open_circuits", "items", "clusters"}, accountRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render account table: %v\n", err)
		return 1
	}

	fmt.Println()
	throughputRows := [][]string{
		{"items_ingested_today", strconv.FormatInt(stats.Throughput.ItemsIngestedToday, 10)},
		{"clusters_created_today", strconv.FormatInt(stats.Throughput.ClustersCreatedToday, 10)},
		{"breakouts_today", strconv.FormatInt(stats.Throughput.BreakoutsToday, 10)},
		{"ai_calls_today", strconv.FormatInt(stats.Throughput.AICallsToday, 10)},
	}
	if err := writeTable([]string{"metric", "value"}, throughputRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render throughput table: %v\n", err)
		return 1
	}
	return 0
}
