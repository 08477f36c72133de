package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/ui"
)

// runIngest executes the 'ingest' CLI command: one full ingestion run
// (fetch, normalize, upsert, dedup) per selected source.
func runIngest(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	sourceName := fs.String("source", "", "Ingest only this configured source (default: all)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: news-recap ingest [options]

Runs the ingestion pipeline for the configured RSS sources: conditional
feed fetch, article normalization and upsert, then semantic dedup.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	names := make([]string, 0, len(a.cfg.Ingestion.Sources))
	for _, sc := range a.cfg.Ingestion.Sources {
		if *sourceName == "" || sc.Name == *sourceName {
			names = append(names, sc.Name)
		}
	}
	if len(names) == 0 {
		if *sourceName != "" {
			return fail(fmt.Errorf("source %q is not configured", *sourceName))
		}
		ui.Warning("no ingestion sources configured")
		return 0
	}

	progress := newProgressConfig(globals)
	bar := newProgressBar(progress, int64(len(names)), "ingesting sources")
	exitCode := 0
	for _, name := range names {
		orchestrator, err := a.orchestratorFor(globals.userID, name)
		if err != nil {
			exitCode = fail(err)
			continue
		}
		run, err := orchestrator.Run(ctx, globals.userID, name)
		if bar != nil {
			_ = bar.Add(1)
		}
		if err != nil {
			ui.Errorf("source %s: run %s failed: %v", name, run.RunID, err)
			exitCode = 1
			continue
		}
		printRunResult(name, run)
	}
	return exitCode
}

func printRunResult(source string, run models.IngestionRun) {
	c := run.Counters
	switch run.Status {
	case models.RunStatusSucceeded:
		ui.Successf("%s: run %s succeeded", source, run.RunID)
	case models.RunStatusPartial:
		ui.Warningf("%s: run %s partial (%d gaps opened)", source, run.RunID, c.GapsOpened)
	default:
		ui.Errorf("%s: run %s finished as %s", source, run.RunID, run.Status)
	}
	fmt.Printf("  ingested=%d updated=%d skipped=%d clusters=%d duplicates=%d\n",
		c.Ingested, c.Updated, c.Skipped, c.DedupClusters, c.DedupDuplicate)
}
