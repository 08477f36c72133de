package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andgineer/news-recap/internal/events"
	"github.com/andgineer/news-recap/internal/metrics"
	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/notify"
	"github.com/andgineer/news-recap/internal/repository"
	"github.com/andgineer/news-recap/internal/rss"
)

// DefaultStaleRunAfter is how long a running IngestionRun's heartbeat
// may go silent before a new run is allowed to supersede it.
const DefaultStaleRunAfter = 20 * time.Minute

// DefaultMaxBackfillGaps bounds how many open gaps one run will seed,
// so a long backlog doesn't turn a daily run into an unbounded replay.
const DefaultMaxBackfillGaps = 10

// Repository is the subset of repository.Repository the orchestrator
// depends on.
type Repository interface {
	StartRun(ctx context.Context, userID, source string, staleAfter time.Duration) (models.IngestionRun, error)
	TouchRun(ctx context.Context, runID string, at time.Time) error
	FinishRun(ctx context.Context, runID string, status models.RunStatus, counters models.RunCounters, errorSummary *string, finishedAt time.Time) error
	CreateGap(ctx context.Context, gap models.IngestionGap) (int64, error)
	ListOpenGaps(ctx context.Context, userID, source string, limit int) ([]models.IngestionGap, error)
	ResolveGap(ctx context.Context, gapID int64) error
	UpsertArticle(ctx context.Context, userID string, article models.NormalizedArticle, runID string) (models.UpsertResult, error)
	UpsertRawArticle(ctx context.Context, sourceName, externalID string, payload map[string]any) error
}

// Source is the subset of *rss.Source the orchestrator drives.
type Source interface {
	BeginRun()
	FetchPage(ctx context.Context, cursor *string, limit int) (models.SourcePage, error)
	MarkPageProcessed(ctx context.Context, nextCursor *string) error
}

// Deduplicator runs the dedup pass over one ingestion run's fresh
// articles.
type Deduplicator interface {
	Run(ctx context.Context, userID, runID string) (clusters int, duplicates int, err error)
}

// Options configures one Orchestrator.
type Options struct {
	StaleRunAfter      time.Duration
	MaxBackfillGaps    int
	PageBudgetPerChain int // 0 means unlimited
	PageLimit          int
	MaxCleanChars      int
}

func (o Options) withDefaults() Options {
	if o.StaleRunAfter <= 0 {
		o.StaleRunAfter = DefaultStaleRunAfter
	}
	if o.MaxBackfillGaps <= 0 {
		o.MaxBackfillGaps = DefaultMaxBackfillGaps
	}
	if o.PageLimit <= 0 {
		o.PageLimit = rss.DefaultPageLimit
	}
	if o.MaxCleanChars <= 0 {
		o.MaxCleanChars = MaxCleanTextChars
	}
	return o
}

// Orchestrator sequences a single ingestion run.
type Orchestrator struct {
	repo      Repository
	source    Source
	dedup     Deduplicator
	notifier  *notify.Service
	publisher *events.Publisher
	opts      Options
}

// NewOrchestrator builds an Orchestrator over one (user, source) pair's
// Source and Deduplicator. notifier and publisher may be nil; both
// types are nil-safe, so a nil value silently disables that channel.
func NewOrchestrator(repo Repository, source Source, dedup Deduplicator, notifier *notify.Service, publisher *events.Publisher, opts Options) *Orchestrator {
	return &Orchestrator{repo: repo, source: source, dedup: dedup, notifier: notifier, publisher: publisher, opts: opts.withDefaults()}
}

type seed struct {
	cursor *string
	gapID  int64 // 0 means this seed isn't tied to an open gap
}

// Run executes one full ingestion run for (userID, sourceName): start,
// drain every gap-seeded and sentinel page chain, run dedup, and
// finalize the run's terminal status.
func (o *Orchestrator) Run(ctx context.Context, userID, sourceName string) (models.IngestionRun, error) {
	run, err := o.repo.StartRun(ctx, userID, sourceName, o.opts.StaleRunAfter)
	if err != nil {
		return models.IngestionRun{}, err
	}
	log := slog.With("run_id", run.RunID, "user_id", userID, "source", sourceName)
	log.Info("ingestion run started")

	o.source.BeginRun()
	counters, runErr := o.drain(ctx, userID, sourceName, run.RunID)

	if runErr == nil {
		clusters, duplicates, dedupErr := o.dedup.Run(ctx, userID, run.RunID)
		if dedupErr != nil {
			runErr = fmt.Errorf("dedup stage for run %s: %w", run.RunID, dedupErr)
		} else {
			counters.DedupClusters = clusters
			counters.DedupDuplicate = duplicates
		}
	}

	status := models.RunStatusSucceeded
	if counters.GapsOpened > 0 {
		status = models.RunStatusPartial
	}
	var errorSummary *string
	if runErr != nil {
		status = models.RunStatusFailed
		msg := runErr.Error()
		errorSummary = &msg
		o.notifier.NotifyIngestionFailed(ctx, run.RunID, userID, sourceName, msg)
	}

	finishedAt := time.Now().UTC()
	if finishErr := o.repo.FinishRun(ctx, run.RunID, status, counters, errorSummary, finishedAt); finishErr != nil {
		if runErr != nil {
			return run, fmt.Errorf("finishing failed run %s: %w (original error: %v)", run.RunID, finishErr, runErr)
		}
		return run, fmt.Errorf("finishing run %s: %w", run.RunID, finishErr)
	}

	run.Status = status
	run.Counters = counters
	run.FinishedAt = &finishedAt
	run.ErrorSummary = errorSummary
	if runErr != nil {
		log.Error("ingestion run failed", "error", runErr)
	} else {
		log.Info("ingestion run finished", "status", status,
			"ingested", counters.Ingested, "updated", counters.Updated, "skipped", counters.Skipped,
			"clusters", counters.DedupClusters, "duplicates", counters.DedupDuplicate, "gaps_opened", counters.GapsOpened)
	}
	metrics.IngestionRunFinished(sourceName, string(status), counters.Ingested, finishedAt.Sub(run.StartedAt).Seconds())
	if err := o.publisher.PublishIngestionRunStatus(ctx, events.IngestionRunStatusChanged{
		RunID: run.RunID, UserID: userID, Source: sourceName, ToStatus: string(status),
	}); err != nil {
		log.Warn("publishing run status failed", "error", err)
	}
	return run, runErr
}

// drain seeds one chain per open gap (bounded by MaxBackfillGaps) plus
// a sentinel chain from the start, then walks every chain to
// completion, accumulating counters. Any error here finalizes the run
// as failed.
func (o *Orchestrator) drain(ctx context.Context, userID, sourceName, runID string) (models.RunCounters, error) {
	var counters models.RunCounters

	seeds, err := o.buildSeeds(ctx, userID, sourceName)
	if err != nil {
		return counters, err
	}

	visited := map[string]bool{}
	for _, sd := range seeds {
		if err := o.drainChain(ctx, userID, sourceName, runID, sd, visited, &counters); err != nil {
			return counters, err
		}
	}
	return counters, nil
}

func (o *Orchestrator) buildSeeds(ctx context.Context, userID, sourceName string) ([]seed, error) {
	gaps, err := o.repo.ListOpenGaps(ctx, userID, sourceName, o.opts.MaxBackfillGaps)
	if err != nil {
		return nil, fmt.Errorf("listing open gaps: %w", err)
	}

	seeds := make([]seed, 0, len(gaps)+1)
	sawNilSeed := false
	for _, gap := range gaps {
		seeds = append(seeds, seed{cursor: gap.FromCursor, gapID: gap.GapID})
		if gap.FromCursor == nil {
			sawNilSeed = true
		}
	}
	if !sawNilSeed {
		seeds = append(seeds, seed{cursor: nil, gapID: 0})
	}
	return seeds, nil
}

// drainChain walks one seed's page chain to exhaustion (next_cursor ==
// nil), a budget cutoff, a revisited cursor, or a TemporarySourceError
// (which opens a gap and stops just this chain without failing the run).
func (o *Orchestrator) drainChain(ctx context.Context, userID, sourceName, runID string, sd seed, visited map[string]bool, counters *models.RunCounters) error {
	cursor := sd.cursor
	budget := o.opts.PageBudgetPerChain
	limited := budget != 0
	gapResolved := sd.gapID == 0

	for {
		key := cursorKey(cursor)
		if visited[key] {
			return nil
		}
		visited[key] = true

		if limited {
			if budget <= 0 {
				return nil
			}
			budget--
		}

		if err := o.repo.TouchRun(ctx, runID, time.Now().UTC()); err != nil {
			return fmt.Errorf("touching run %s: %w", runID, err)
		}

		page, err := o.source.FetchPage(ctx, cursor, o.opts.PageLimit)
		if err != nil {
			var temp *rss.TemporarySourceError
			if errors.As(err, &temp) {
				slog.Warn("temporary source error, gap opened",
					"run_id", runID, "source", sourceName, "code", temp.Code, "cursor", cursorKey(cursor))
				if gapErr := o.openGap(ctx, userID, sourceName, cursor, temp); gapErr != nil {
					return gapErr
				}
				counters.GapsOpened++
				return nil
			}
			return fmt.Errorf("fetching page for %s/%s: %w", userID, sourceName, err)
		}

		if !gapResolved {
			if err := o.repo.ResolveGap(ctx, sd.gapID); err != nil && !errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("resolving gap %d: %w", sd.gapID, err)
			}
			gapResolved = true
		}

		for _, article := range page.Articles {
			normalized := Normalize(article, NormalizeOptions{SourceName: sourceName, MaxCleanChars: o.opts.MaxCleanChars, RunID: runID})
			result, err := o.repo.UpsertArticle(ctx, userID, normalized, runID)
			if err != nil {
				return fmt.Errorf("upserting article %s/%s: %w", sourceName, normalized.ExternalID, err)
			}
			if err := o.repo.UpsertRawArticle(ctx, sourceName, normalized.ExternalID, article.RawPayload); err != nil {
				return fmt.Errorf("upserting raw article %s/%s: %w", sourceName, normalized.ExternalID, err)
			}
			switch result.Action {
			case models.UpsertActionInserted:
				counters.Ingested++
			case models.UpsertActionUpdated:
				counters.Updated++
			case models.UpsertActionSkipped:
				counters.Skipped++
			}
		}

		if err := o.source.MarkPageProcessed(ctx, page.NextCursor); err != nil {
			return fmt.Errorf("marking page processed: %w", err)
		}
		if err := o.repo.TouchRun(ctx, runID, time.Now().UTC()); err != nil {
			return fmt.Errorf("touching run %s: %w", runID, err)
		}

		if page.NextCursor == nil {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (o *Orchestrator) openGap(ctx context.Context, userID, sourceName string, fromCursor *string, err *rss.TemporarySourceError) error {
	gap := models.IngestionGap{
		UserID:     userID,
		Source:     sourceName,
		FromCursor: fromCursor,
		ToCursor:   err.ToCursor,
		ErrorCode:  err.Code,
	}
	if err.RetryAfter != nil {
		d := time.Duration(*err.RetryAfter) * time.Second
		gap.RetryAfter = &d
	}
	if _, createErr := o.repo.CreateGap(ctx, gap); createErr != nil {
		return fmt.Errorf("creating gap: %w", createErr)
	}
	return nil
}

func cursorKey(cursor *string) string {
	if cursor == nil {
		return "\x00nil"
	}
	return *cursor
}

// RunDedupStage runs the configured Deduplicator and folds its outcome
// into counters; kept as a standalone step so the orchestrator's dedup
// call site and the CLI's "dedup only" mode share one code path.
func (o *Orchestrator) RunDedupStage(ctx context.Context, userID, runID string) (clusters, duplicates int, err error) {
	return o.dedup.Run(ctx, userID, runID)
}
