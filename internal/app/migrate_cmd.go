package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/nuetzliches/newsletterd/internal/config"
	"github.com/nuetzliches/newsletterd/internal/queue"
)

func migrateCmd(args []string) int {
	return runMigrateCmd(args, os.Stdout, os.Stderr)
}

// runMigrateCmd handles "migrate backfill". Opening the store applies schema
// migrations; backfill then reconciles issues stuck in the legacy
// in-process state.
func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "backfill" {
		fmt.Fprintln(stderr, "migrate: expected subcommand: backfill")
		return 2
	}
	fs := pflag.NewFlagSet("migrate backfill", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv(config.ConfigPathEnv), "path to YAML config file")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	store, err := openStoreForCmd(*configPath, *dotenvPath)
	if err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	backfiller, ok := store.(queue.Backfiller)
	if !ok {
		fmt.Fprintln(stderr, "migrate: the configured store backend keeps no legacy data")
		return 1
	}
	report, err := backfiller.BackfillLegacyIssues(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "migrate: backfill: %v\n", err)
		return 1
	}

	if *jsonOutput {
		_ = json.NewEncoder(stdout).Encode(map[string]int{
			"reconciled": report.Reconciled,
			"completed":  report.Completed,
			"available":  report.Available,
		})
		return 0
	}
	fmt.Fprintf(stdout, "backfill reconciled=%d completed=%d available=%d\n", report.Reconciled, report.Completed, report.Available)
	return 0
}
