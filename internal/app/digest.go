package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/newsloom/internal/cli"
	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/digest"
)

type digestOutput struct {
	AccountID int64  `json:"account_id"`
	DigestID  int64  `json:"digest_id,omitempty"`
	Created   bool   `json:"created"`
	Trigger   string `json:"trigger,omitempty"`
	Format    string `json:"format,omitempty"`
	Entries   int    `json:"entries"`
	Reason    string `json:"reason,omitempty"`
}

func runDigest(args []string) int {
	fs := flag.NewFlagSet("digest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	accountID := fs.Int64("account-id", 0, "Account to build the digest for (required)")
	force := fs.Bool("force", false, "Build even when no trigger is due")
	format := fs.String("format", outputFormatJSON, "Output format: table or json")

	if code, done := parseFlags(fs, args); done {
		return code
	}
	if *accountID <= 0 {
		fmt.Fprintln(os.Stderr, "--account-id is required")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatJSON)
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

	aiCap, err := rt.pool.GetAccountAIDailyCallCap(ctx, *accountID)
	if err != nil {
		if db.IsNoRows(err) {
			fmt.Fprintf(os.Stderr, "Account %d not found\n", *accountID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to load account: %v\n", err)
		return 1
	}

	svc, err := buildServices(rt.cfg, rt.pool, rt.logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to wire digest builder: %v\n", err)
		return 1
	}

	result, err := svc.digest.Run(ctx, digest.Request{AccountID: *accountID, AICallCap: aiCap, Force: *force})
	if err != nil {
		rt.logger.Error().Err(err).Int64("account_id", *accountID).Msg("digest failed")
		fmt.Fprintf(os.Stderr, "Digest failed: %v\n", err)
		return 1
	}

	out := digestOutput{
		AccountID: *accountID,
		DigestID:  result.DigestID,
		Created:   result.Created,
		Trigger:   string(result.Trigger),
		Format:    result.Format,
		Entries:   result.Entries,
		Reason:    result.Reason,
	}
	if outputFormat == outputFormatJSON {
		if err := printJSON(out); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := [][]string{
		{"account_id", strconv.FormatInt(out.AccountID, 10)},
		{"digest_id", strconv.FormatInt(out.DigestID, 10)},
		{"created", strconv.FormatBool(out.Created)},
		{"trigger", out.Trigger},
		{"format", out.Format},
		{"entries", strconv.Itoa(out.Entries)},
		{"reason", out.Reason},
	}
	if err := writeTable([]string{"field", "value"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}
