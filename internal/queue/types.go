// Package queue implements the durable LLM task queue worker: polling
// claim, CLI backend execution, failure
// classification, retry/timeout handling, output validation with a
// single repair pass, and citation snapshot persistence.
package queue

import (
	"context"
	"time"

	"github.com/andgineer/news-recap/internal/backend"
	"github.com/andgineer/news-recap/internal/models"
)

// RunSummary aggregates one RunOnce/RunLoop call's outcome counters.
type RunSummary struct {
	Processed int
	Succeeded int
	Failed    int
	Retried   int
	Timeouts  int
	IdlePolls int
}

// Add folds other's counters into s.
func (s *RunSummary) Add(other RunSummary) {
	s.Processed += other.Processed
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Retried += other.Retried
	s.Timeouts += other.Timeouts
	s.IdlePolls += other.IdlePolls
}

// Repository is the subset of repository.Repository the worker depends
// on, kept narrow so tests can fake it without a real database.
type Repository interface {
	ClaimNextReadyTask(ctx context.Context, userID, workerID string) (models.LlmTask, error)
	TouchTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID string, status models.TaskStatus, failureClass models.FailureClass, errorSummary string, lastExitCode *int) (bool, error)
	ScheduleRetry(ctx context.Context, taskID string, runAfter time.Time, timeoutSeconds int, failureClass models.FailureClass, errorSummary string, lastExitCode *int) (bool, error)
	CompleteTask(ctx context.Context, taskID, outputPath string) (bool, error)
	GetTask(ctx context.Context, taskID string) (models.LlmTask, error)
	MarkRepairAttempted(ctx context.Context, taskID string) (bool, error)
	AddArtifact(ctx context.Context, artifact models.LlmTaskArtifact) error
	AddAttempt(ctx context.Context, attempt models.LlmTaskAttempt) error
	PersistOutputCitationSnapshots(ctx context.Context, taskID string, snapshots []models.OutputCitationSnapshot) error
	RecoverStaleRunningTasks(ctx context.Context, staleAfter time.Time) ([]string, error)
	RecordEvent(ctx context.Context, taskID, eventType string, from, to *models.TaskStatus, details map[string]any) error
}

// Backend is the subset of backend.CliAgentBackend the worker depends on.
type Backend interface {
	Run(ctx context.Context, req backend.RunRequest) (backend.RunResult, error)
}
