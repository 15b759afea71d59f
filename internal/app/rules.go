package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/newsloom/internal/cli"
	"horse.fit/newsloom/internal/rules"
)

func runImportRules(args []string) int {
	fs := flag.NewFlagSet("import-rules", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	file := fs.String("file", "", "Path to the rules YAML document (required)")
	accountID := fs.Int64("account-id", 0, "Expected account id; must match the document when set")
	dryRun := fs.Bool("dry-run", false, "Validate the document without writing")

	if code, done := parseFlags(fs, args); done {
		return code
	}
	path := strings.TrimSpace(*file)
	if path == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		return 2
	}

	doc, err := loadRulesFile(path, *accountID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid rules document: %v\n", err)
		return 1
	}
	if *dryRun {
		fmt.Printf("ok: %d filter rules and %d folder keywords for account %d\n", len(doc.FilterRules), len(doc.FolderKeywords), doc.AccountID)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := openRuntime(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()

	summary, err := rules.Import(ctx, rt.pool, doc)
	if err != nil {
		rt.logger.Error().Err(err).Int64("account_id", doc.AccountID).Msg("import rules failed")
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}

	rt.logger.Info().
		Int64("account_id", summary.AccountID).
		Int("filter_rules", summary.FilterRules).
		Int("folder_keywords", summary.FolderKeywords).
		Msg("rules imported")
	if err := printJSON(summary); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}

func loadRulesFile(path string, expectedAccountID int64) (rules.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return rules.Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := rules.Parse(raw)
	if err != nil {
		return rules.Document{}, err
	}
	if expectedAccountID > 0 && doc.AccountID != expectedAccountID {
		return rules.Document{}, fmt.Errorf("document is for account %d, not %d", doc.AccountID, expectedAccountID)
	}
	return doc, nil
}
