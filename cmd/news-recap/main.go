// Package main implements the news-recap CLI: RSS ingestion with
// semantic dedup, a durable LLM task queue worker, and the daily recap
// pipeline, all sharing one PostgreSQL store.
//
// Usage:
//
//	news-recap ingest [--source NAME]      Run ingestion for one or all sources
//	news-recap recap [--date YYYY-MM-DD]   Run the recap pipeline
//	news-recap worker [--max-tasks N]      Run the task queue worker loop
//	news-recap tasks <list|show|retry|cancel>
//	news-recap serve                       Worker loop + admin HTTP surface
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/andgineer/news-recap/internal/config"
	"github.com/andgineer/news-recap/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
)

// globalFlags holds the flags that apply to every subcommand.
type globalFlags struct {
	configPath string
	userID     string
	noColor    bool
	quiet      bool
	verbose    int
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", os.Getenv("NEWS_RECAP_CONFIG"), "Path to news-recap.yaml")
		userID      = flag.StringP("user", "u", envOr("NEWS_RECAP_USER", "default"), "User ID to operate as")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase log verbosity (-v debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress progress and info output")
	)

	// Stop parsing at the first non-flag argument so subcommand flags
	// like "tasks list --status failed" reach the subcommand parser.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `news-recap - RSS ingestion, semantic dedup, and LLM recap pipeline

Usage:
  news-recap <command> [options]

Commands:
  ingest        Run RSS ingestion (fetch, normalize, upsert, dedup)
  recap         Run the six-step recap pipeline for a business date
  worker        Run the LLM task queue worker loop
  serve         Run the worker loop plus the admin HTTP surface
  tasks         List, inspect, retry, or cancel LLM tasks
  enqueue-demo  Enqueue a demo task exercising the full workdir contract
  clusters      Inspect dedup clusters for an ingestion run
  prune         Remove a user's article links older than the retention window
  gc            Delete articles no user references anymore
  stats         Show queue and ingestion statistics
  smoke         Probe each configured agent CLI end to end

Global Options:
  -c, --config   Path to news-recap.yaml (env: NEWS_RECAP_CONFIG)
  -u, --user     User ID to operate as (env: NEWS_RECAP_USER)
      --no-color Disable color output
  -v, --verbose  Increase log verbosity
  -q, --quiet    Suppress progress and info output
  -V, --version  Show version and exit

Environment:
  A .env file next to the config file is loaded before anything else;
  NEWS_RECAP_DB_PASSWORD and SLACK_BOT_TOKEN are read from it.
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("news-recap version %s (%s)\n", version, commit)
		os.Exit(0)
	}

	globals := globalFlags{
		configPath: *configPath,
		userID:     *userID,
		noColor:    *noColor,
		quiet:      *quiet,
		verbose:    *verbose,
	}
	ui.Init(globals.noColor)
	setupLogging(globals)
	loadDotenv(globals.configPath)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := args[0]
	cmdArgs := args[1:]

	var exitCode int
	switch command {
	case "ingest":
		exitCode = runIngest(ctx, globals, cmdArgs)
	case "recap":
		exitCode = runRecap(ctx, globals, cmdArgs)
	case "worker":
		exitCode = runWorker(ctx, globals, cmdArgs)
	case "serve":
		exitCode = runServe(ctx, globals, cmdArgs)
	case "tasks":
		exitCode = runTasks(ctx, globals, cmdArgs)
	case "enqueue-demo":
		exitCode = runEnqueueDemo(ctx, globals, cmdArgs)
	case "clusters":
		exitCode = runClusters(ctx, globals, cmdArgs)
	case "prune":
		exitCode = runPrune(ctx, globals, cmdArgs)
	case "gc":
		exitCode = runGC(ctx, globals, cmdArgs)
	case "stats":
		exitCode = runStats(ctx, globals, cmdArgs)
	case "smoke":
		exitCode = runSmoke(ctx, globals, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		exitCode = 1
	}
	os.Exit(exitCode)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setupLogging installs a text slog handler on stderr. Default level is
// Info; -v drops to Debug, --quiet raises to Warn.
func setupLogging(globals globalFlags) {
	level := slog.LevelInfo
	if globals.verbose > 0 {
		level = slog.LevelDebug
	} else if globals.quiet {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadDotenv loads the .env file sitting next to the config file (or in
// the working directory when no config path is set). A missing file is
// fine; existing environment variables always win.
func loadDotenv(configPath string) {
	envPath := ".env"
	if configPath != "" {
		envPath = filepath.Join(filepath.Dir(configPath), ".env")
	}
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("no .env file loaded", "path", envPath)
	} else {
		slog.Debug("environment loaded", "path", envPath)
	}
}

// openApp loads configuration and builds the dependency graph shared by
// all subcommands. The caller must Close() the returned app.
func openApp(ctx context.Context, globals globalFlags) (*app, error) {
	cfg, err := config.Load(globals.configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, globals.userID, cfg)
}

// fail prints err through the ui helpers and returns the non-zero exit
// code subcommands propagate to main.
func fail(err error) int {
	ui.Errorf("%v", err)
	return 1
}
