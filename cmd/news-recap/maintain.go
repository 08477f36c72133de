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

// runClusters executes the 'clusters' CLI command: prints the dedup
// clusters persisted for one ingestion run.
func runClusters(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("clusters", flag.ExitOnError)
	runID := fs.String("run-id", "", "Ingestion run ID to inspect (required)")
	duplicatesOnly := fs.Bool("duplicates", false, "Show only clusters with more than one member")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: news-recap clusters --run-id <run-id> [--duplicates]")
		return 1
	}

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	clusters, err := a.repo.ListDedupClusters(ctx, globals.userID, *runID)
	if err != nil {
		return fail(err)
	}

	duplicates := 0
	shown := 0
	for _, cluster := range clusters {
		duplicates += len(cluster.Members) - 1
		if *duplicatesOnly && len(cluster.Members) < 2 {
			continue
		}
		shown++
		fmt.Printf("%s  members=%d representative=%s threshold=%.2f\n",
			cluster.ClusterID, len(cluster.Members), cluster.RepresentativeArticleID, cluster.Threshold)
		for _, member := range cluster.Members {
			marker := " "
			if member.IsRepresentative {
				marker = "*"
			}
			fmt.Printf("  %s %s sim=%.3f\n", marker, member.ArticleID, member.SimilarityToRepresentative)
		}
	}
	ui.Infof("%d cluster(s), %d duplicate(s)", len(clusters), duplicates)
	if *duplicatesOnly && shown == 0 {
		ui.Info("no duplicate clusters")
	}
	return 0
}

// runPrune executes the 'prune' CLI command: drops the current user's
// article links older than the retention window. The shared article
// rows stay until 'gc' removes the fully unreferenced ones.
func runPrune(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	days := fs.Int("days", 30, "Retention window in days")
	dryRun := fs.Bool("dry-run", false, "Report what would be pruned without deleting")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -*days)
	pruned, err := a.repo.PruneUserArticles(ctx, globals.userID, cutoff, *dryRun)
	if err != nil {
		return fail(err)
	}
	if *dryRun {
		ui.Infof("would prune %d article link(s) older than %s", pruned, cutoff.Format("2006-01-02"))
	} else {
		ui.Successf("pruned %d article link(s) older than %s", pruned, cutoff.Format("2006-01-02"))
	}

	// Open gaps from before the retention window are no longer worth
	// backfilling; the articles they would recover get pruned anyway.
	expired := 0
	for _, sc := range a.cfg.Ingestion.Sources {
		gaps, err := a.repo.ListOpenGaps(ctx, globals.userID, sc.Name, 1000)
		if err != nil {
			return fail(err)
		}
		for _, gap := range gaps {
			if gap.CreatedAt.After(cutoff) {
				continue
			}
			if *dryRun {
				expired++
				continue
			}
			if err := a.repo.ExpireGap(ctx, gap.GapID); err != nil {
				return fail(err)
			}
			expired++
		}
	}
	if expired > 0 {
		if *dryRun {
			ui.Infof("would expire %d stale open gap(s)", expired)
		} else {
			ui.Infof("expired %d stale open gap(s)", expired)
		}
	}
	return 0
}

// runGC executes the 'gc' CLI command: deletes articles no user
// references anymore, along with their raw payloads.
func runGC(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Report what would be deleted without deleting")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	deleted, err := a.repo.GCUnreferencedArticles(ctx, *dryRun)
	if err != nil {
		return fail(err)
	}
	if *dryRun {
		ui.Infof("would delete %d unreferenced article(s)", deleted)
	} else {
		ui.Successf("deleted %d unreferenced article(s)", deleted)
	}
	return 0
}

// runStats executes the 'stats' CLI command: per-status task counts and
// open ingestion gaps for the current user.
func runStats(ctx context.Context, globals globalFlags, args []string) int {
	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	ui.Header("Tasks")
	statuses := []models.TaskStatus{
		models.TaskStatusQueued, models.TaskStatusRunning, models.TaskStatusSucceeded,
		models.TaskStatusFailed, models.TaskStatusTimeout, models.TaskStatusCanceled,
	}
	for _, status := range statuses {
		s := status
		tasks, err := a.repo.ListTasks(ctx, globals.userID, &s, 1000)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("  %-10s %d\n", status, len(tasks))
	}

	ui.Header("Open gaps")
	total := 0
	for _, sc := range a.cfg.Ingestion.Sources {
		gaps, err := a.repo.ListOpenGaps(ctx, globals.userID, sc.Name, 100)
		if err != nil {
			return fail(err)
		}
		if len(gaps) > 0 {
			fmt.Printf("  %-20s %d\n", sc.Name, len(gaps))
		}
		total += len(gaps)
	}
	if total == 0 {
		fmt.Println("  none")
	}
	return 0
}
