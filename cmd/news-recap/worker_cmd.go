package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/andgineer/news-recap/internal/queue"
	"github.com/andgineer/news-recap/internal/ui"
)

// runWorker executes the 'worker' CLI command: the task queue poll loop,
// optionally bounded by --max-tasks, with a periodic stale-task sweep.
func runWorker(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	maxTasks := fs.Int("max-tasks", 0, "Stop after processing N tasks (0: run until interrupted)")
	once := fs.Bool("once", false, "Process at most one task and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: news-recap worker [options]

Claims and executes queued LLM tasks until interrupted.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *once {
		*maxTasks = 1
	}

	a, err := openApp(ctx, globals)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go staleTaskSweep(sweepCtx, a)

	summary := a.worker.RunLoop(ctx, queue.LoopOptions{
		MaxTasks:     *maxTasks,
		PollInterval: a.cfg.Queue.PollInterval,
		PollJitter:   a.cfg.Queue.PollJitter,
	})
	printWorkerSummary(summary)
	if summary.Failed > 0 {
		return 1
	}
	return 0
}

// staleTaskSweep periodically requeues running tasks whose heartbeat
// went stale, so tasks orphaned by a crashed worker get picked up again.
func staleTaskSweep(ctx context.Context, a *app) {
	interval := a.cfg.Queue.StaleAfter
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-a.cfg.Queue.StaleAfter)
			recovered, err := a.repo.RecoverStaleRunningTasks(ctx, cutoff)
			if err == nil && len(recovered) > 0 {
				ui.Warningf("requeued %d stale running task(s)", len(recovered))
			}
		}
	}
}

func printWorkerSummary(summary queue.RunSummary) {
	fmt.Printf("processed=%d succeeded=%d failed=%d retried=%d timeouts=%d idle_polls=%d\n",
		summary.Processed, summary.Succeeded, summary.Failed, summary.Retried, summary.Timeouts, summary.IdlePolls)
}
