package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/andgineer/news-recap/internal/events"
	"github.com/andgineer/news-recap/internal/queue"
	"github.com/andgineer/news-recap/internal/ui"
)

// runServe executes the 'serve' CLI command: the worker loop, the
// stale-state sweeps, the events listener, and the admin HTTP surface,
// all under one process until interrupted.
func runServe(ctx context.Context, globals globalFlags, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Admin HTTP listen address (default: metrics.addr from config)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: news-recap serve [options]

Runs the task queue worker with /health, /stats, and /metrics exposed.

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

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = a.cfg.Metrics.Addr
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := &http.Server{Addr: listenAddr, Handler: newAdminRouter(a, globals.userID)}
	go func() {
		slog.Info("admin surface listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin surface failed", "error", err)
			cancel()
		}
	}()

	listener := events.NewListener(a.db.Pool)
	listener.OnNotify(func(payload []byte) {
		slog.Debug("event received", "payload", string(payload))
	})
	go func() {
		if err := listener.Run(serveCtx); err != nil {
			slog.Warn("events listener stopped", "error", err)
		}
	}()

	go staleTaskSweep(serveCtx, a)
	go staleRunSweep(serveCtx, a)

	summary := a.worker.RunLoop(serveCtx, queue.LoopOptions{
		PollInterval: a.cfg.Queue.PollInterval,
		PollJitter:   a.cfg.Queue.PollJitter,
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	printWorkerSummary(summary)
	ui.Info("shut down")
	return 0
}

// staleRunSweep periodically recovers ingestion and recap runs whose
// heartbeat went stale, so a crashed run does not block the next one
// until its own StartRun-time recovery fires.
func staleRunSweep(ctx context.Context, a *app) {
	interval := a.cfg.Ingestion.StaleAfter
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
			cutoff := time.Now().UTC().Add(-a.cfg.Ingestion.StaleAfter)
			if recovered, err := a.repo.RecoverStaleRunningRuns(ctx, cutoff); err == nil && len(recovered) > 0 {
				slog.Warn("recovered stale ingestion runs", "count", len(recovered))
			}
			recapCutoff := time.Now().UTC().Add(-a.cfg.Recap.StaleAfter)
			if recovered, err := a.repo.RecoverStaleRunningRecapRuns(ctx, recapCutoff); err == nil && len(recovered) > 0 {
				slog.Warn("recovered stale recap runs", "count", len(recovered))
			}
		}
	}
}
