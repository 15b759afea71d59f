package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "worker":
		return runWorker(args[1:])
	case "poll-feed":
		return runPollFeed(args[1:])
	case "digest":
		return runDigest(args[1:])
	case "import-rules":
		return runImportRules(args[1:])
	case "serve":
		return runServe(args[1:])
	case "stats":
		return runStats(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "newsloom CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  newsloom <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health        Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  migrate       Apply the database schema")
	fmt.Fprintln(os.Stderr, "  worker        Run the job workers and the scheduler")
	fmt.Fprintln(os.Stderr, "  poll-feed     Run the pipeline for one feed now")
	fmt.Fprintln(os.Stderr, "  digest        Build a digest for one account now")
	fmt.Fprintln(os.Stderr, "  import-rules  Replace an account's filter and folder rules from YAML")
	fmt.Fprintln(os.Stderr, "  serve         Start the operational HTTP API")
	fmt.Fprintln(os.Stderr, "  stats         Print per-account counts and today's throughput")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"newsloom <command> -h\" for command-specific flags.")
}
