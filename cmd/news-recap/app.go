package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/andgineer/news-recap/internal/backend"
	"github.com/andgineer/news-recap/internal/config"
	"github.com/andgineer/news-recap/internal/database"
	"github.com/andgineer/news-recap/internal/dedup"
	"github.com/andgineer/news-recap/internal/events"
	"github.com/andgineer/news-recap/internal/ingestion"
	"github.com/andgineer/news-recap/internal/notify"
	"github.com/andgineer/news-recap/internal/queue"
	"github.com/andgineer/news-recap/internal/recap"
	"github.com/andgineer/news-recap/internal/repository"
	"github.com/andgineer/news-recap/internal/routing"
	"github.com/andgineer/news-recap/internal/rss"
	"github.com/andgineer/news-recap/internal/workdir"
)

// app wires every package's dependencies from one loaded config, so
// each subcommand builds the same graph instead of repeating it.
type app struct {
	cfg *config.Config

	db   *database.Client
	repo *repository.Repository

	notifier  *notify.Service
	publisher *events.Publisher

	workdirMgr      *workdir.Manager
	routingDefaults routing.Defaults

	dedupEngine *dedup.Engine
	sources     map[string]*rss.Source
	worker      *queue.Worker
	coordinator *recap.Coordinator
}

// newApp loads cfg's config and builds every dependency graph node a
// subcommand might need. Subcommands that only need a subset (e.g.
// "recap" never touches rss.Source) simply ignore the rest.
func newApp(ctx context.Context, userID string, cfg *config.Config) (*app, error) {
	dbCfg := database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.ResolvePassword(),
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	}
	client, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	repo := repository.New(client.Pool)
	if err := repo.EnsureUser(ctx, userID, userID); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensuring user %s: %w", userID, err)
	}

	var notifier *notify.Service
	if cfg.Slack.Enabled {
		notifier = notify.NewService(notify.ServiceConfig{Token: cfg.ResolveSlackToken(), Channel: cfg.Slack.Channel})
	}
	publisher := events.NewPublisher(client.Pool)

	routingDefaults := routing.Defaults{
		DefaultAgent:       cfg.Routing.DefaultAgent,
		TaskTypeProfileMap: cfg.Routing.TaskTypeProfiles,
		CommandTemplates:   cfg.Routing.CommandTemplates,
		Models:             cfg.Routing.Models,
	}

	workdirMgr := workdir.NewManager(cfg.Workdir.Root)

	worker := queue.NewWorker(repo, backend.NewCliAgentBackend(), queue.Config{
		WorkerID:             "worker-" + uuid.NewString()[:8],
		UserID:               userID,
		RetryBase:            cfg.Queue.RetryBase,
		RetryMax:             cfg.Queue.RetryMax,
		TimeoutRetryCap:      cfg.Queue.TimeoutRetryCap,
		PreviewChars:         cfg.Queue.PreviewChars,
		TransientExitCodes:   cfg.Queue.TransientExitCodes,
		RoutingDefaults:      routingDefaults,
		InputRatePerMillion:  cfg.Queue.InputRatePerMillion,
		OutputRatePerMillion: cfg.Queue.OutputRatePerMillion,
	}, publisher)

	dedupEngine := dedup.NewEngine(repo, dedup.NewHashingEmbedder(cfg.Dedup.ModelName, 256, 3), dedup.Options{
		Threshold:    cfg.Dedup.Threshold,
		EmbeddingTTL: cfg.Dedup.EmbeddingTTL,
	})

	sources := make(map[string]*rss.Source, len(cfg.Ingestion.Sources))
	for _, sc := range cfg.Ingestion.Sources {
		sources[sc.Name] = rss.NewSource(repo, userID, sc.Name, []string{sc.FeedURL})
	}

	coordinator := recap.New(repo, worker, nil, workdirMgr, routingDefaults, notifier, publisher)

	return &app{
		cfg:             cfg,
		db:              client,
		repo:            repo,
		notifier:        notifier,
		publisher:       publisher,
		workdirMgr:      workdirMgr,
		routingDefaults: routingDefaults,
		dedupEngine:     dedupEngine,
		sources:         sources,
		worker:          worker,
		coordinator:     coordinator,
	}, nil
}

// orchestratorFor builds a fresh ingestion.Orchestrator for one
// configured source, using a.dedupEngine so every source's run shares
// the same per-user dedup pass regardless of which source triggered it.
func (a *app) orchestratorFor(userID, sourceName string) (*ingestion.Orchestrator, error) {
	source, ok := a.sources[sourceName]
	if !ok {
		return nil, fmt.Errorf("unknown ingestion source %q", sourceName)
	}
	return ingestion.NewOrchestrator(a.repo, source, a.dedupEngine, a.notifier, a.publisher, ingestion.Options{
		StaleRunAfter: a.cfg.Ingestion.StaleAfter,
	}), nil
}

func (a *app) Close() {
	a.db.Close()
}
