// Package recap implements the daily recap pipeline coordinator: a
// fixed eight-operation sequence
// (classify, resource_load, enrich, group, resource_load_full,
// enrich_full, synthesize, compose) that turns one user's articles for
// a business date into a highlights UserOutput, with a stale-run guard
// and rejection of concurrent pipelines for the same user.
package recap

import (
	"context"
	"time"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/queue"
)

// Repository is the subset of repository.Repository the coordinator
// depends on, kept narrow so tests can fake it without a real database.
type Repository interface {
	StartRecapRun(ctx context.Context, userID string, businessDate time.Time, staleAfter time.Duration) (models.RecapRun, error)
	TouchRecapRun(ctx context.Context, runID string, at time.Time) error
	AdvanceRecapStep(ctx context.Context, runID string, nextStep models.RecapStep, stepResult map[string]any) error
	FinishRecapRun(ctx context.Context, runID string, status models.RecapRunStatus, errorSummary *string, finishedAt time.Time) error
	ListArticlesForRecap(ctx context.Context, userID string, businessDate time.Time) ([]models.DedupCandidate, error)
	EnqueueTask(ctx context.Context, payload models.LlmTaskCreate) (models.LlmTask, error)
	UpsertHighlightsOutput(ctx context.Context, output models.UserOutput) (string, error)
}

// TaskRunner drives one enqueued task to a terminal status. *queue.Worker
// satisfies this directly; the coordinator is both enqueuer and runner
// for its own LLM steps, so no separate worker process has to be
// running.
type TaskRunner interface {
	RunUntilDone(ctx context.Context, taskID string, opts queue.LoopOptions) (models.LlmTask, error)
}
