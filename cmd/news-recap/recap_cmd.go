package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/ui"
)

// runRecap executes the 'recap' CLI command: the full pipeline from
// classify through compose for one business date, resuming a fresh
// in-progress run if one exists.
func runRecap(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("recap", flag.ExitOnError)
	dateFlag := fs.String("date", "", "Business date YYYY-MM-DD (default: today)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: news-recap recap [options]

Runs the recap pipeline (classify, enrich, group, synthesize, compose)
for the selected business date and stores the composed highlights.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	businessDate := time.Now().UTC().Truncate(24 * time.Hour)
	if *dateFlag != "" {
		parsed, err := time.Parse("2006-01-02", *dateFlag)
		if err != nil {
			return fail(fmt.Errorf("invalid --date %q: %w", *dateFlag, err))
		}
		businessDate = parsed
	}

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	progress := newProgressConfig(globals)
	spinner := newSpinner(progress, fmt.Sprintf("recap for %s", businessDate.Format("2006-01-02")))

	run, err := a.coordinator.Run(ctx, globals.userID, businessDate)
	if spinner != nil {
		_ = spinner.Finish()
	}
	if err != nil {
		return fail(err)
	}
	if run.Status != models.RecapRunStatusSucceeded {
		summary := ""
		if run.ErrorSummary != nil {
			summary = ": " + *run.ErrorSummary
		}
		ui.Errorf("recap run %s failed at step %s%s", run.RunID, run.CurrentStep, summary)
		return 1
	}
	ui.Successf("recap run %s succeeded", run.RunID)
	return 0
}
