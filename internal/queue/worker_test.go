package queue

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andgineer/news-recap/internal/backend"
	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/repository"
	"github.com/andgineer/news-recap/internal/routing"
	"github.com/andgineer/news-recap/internal/workdir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	task         *models.LlmTask
	completed    bool
	completedAt  string
	failed       *models.FailureClass
	failedStatus models.TaskStatus
	retried      bool
	retryRunAfter time.Time
	snapshots    []models.OutputCitationSnapshot
	events       []string
	attempts     []models.LlmTaskAttempt
	repairMarked bool

	failCitationPersist bool
	failComplete        bool
}

func (f *fakeRepo) ClaimNextReadyTask(ctx context.Context, userID, workerID string) (models.LlmTask, error) {
	if f.task == nil {
		return models.LlmTask{}, repository.ErrNoTaskReady
	}
	return *f.task, nil
}

func (f *fakeRepo) TouchTask(ctx context.Context, taskID string) error { return nil }

func (f *fakeRepo) GetTask(ctx context.Context, taskID string) (models.LlmTask, error) {
	if f.task == nil || f.task.TaskID != taskID {
		return models.LlmTask{}, repository.ErrNotFound
	}
	return *f.task, nil
}

func (f *fakeRepo) FailTask(ctx context.Context, taskID string, status models.TaskStatus, failureClass models.FailureClass, errorSummary string, lastExitCode *int) (bool, error) {
	f.failed = &failureClass
	f.failedStatus = status
	return true, nil
}

func (f *fakeRepo) ScheduleRetry(ctx context.Context, taskID string, runAfter time.Time, timeoutSeconds int, failureClass models.FailureClass, errorSummary string, lastExitCode *int) (bool, error) {
	f.retried = true
	f.retryRunAfter = runAfter
	return true, nil
}

func (f *fakeRepo) CompleteTask(ctx context.Context, taskID, outputPath string) (bool, error) {
	if f.failComplete {
		return false, nil
	}
	f.completed = true
	f.completedAt = outputPath
	return true, nil
}

func (f *fakeRepo) MarkRepairAttempted(ctx context.Context, taskID string) (bool, error) {
	f.repairMarked = true
	return true, nil
}

func (f *fakeRepo) AddArtifact(ctx context.Context, artifact models.LlmTaskArtifact) error { return nil }

func (f *fakeRepo) AddAttempt(ctx context.Context, attempt models.LlmTaskAttempt) error {
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeRepo) PersistOutputCitationSnapshots(ctx context.Context, taskID string, snapshots []models.OutputCitationSnapshot) error {
	if f.failCitationPersist {
		return assert.AnError
	}
	f.snapshots = snapshots
	return nil
}

func (f *fakeRepo) RecoverStaleRunningTasks(ctx context.Context, staleAfter time.Time) ([]string, error) {
	return nil, nil
}

func (f *fakeRepo) RecordEvent(ctx context.Context, taskID, eventType string, from, to *models.TaskStatus, details map[string]any) error {
	f.events = append(f.events, eventType)
	return nil
}

type fakeBackend struct {
	result backend.RunResult
	err    error
	calls  int
}

func (f *fakeBackend) Run(ctx context.Context, req backend.RunRequest) (backend.RunResult, error) {
	f.calls++
	return f.result, f.err
}

func testRoutingDefaults() routing.Defaults {
	return routing.Defaults{
		DefaultAgent:       "claude",
		TaskTypeProfileMap: map[string]string{"recap_compose": "quality"},
		CommandTemplates:   map[string]string{"claude": "claude-agent --model {model} --prompt-file {prompt_file}"},
		Models: map[string]map[string]string{
			"claude": {"fast": "claude-fast-1", "quality": "claude-quality-1"},
		},
	}
}

// writeTaskWorkdir materializes a minimal task_manifest/task_input/
// articles_index/output_result tree under t.TempDir for worker tests.
func writeTaskWorkdir(t *testing.T, taskType string, outputPayload map[string]any) (models.LlmTask, string) {
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "input")
	outputDir := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(inputDir, 0o755))
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	taskInputPath := filepath.Join(inputDir, "task_input.json")
	articlesIndexPath := filepath.Join(inputDir, "articles_index.json")
	outputResultPath := filepath.Join(outputDir, "agent_result.json")
	manifestPath := filepath.Join(dir, "task_manifest.json")

	require.NoError(t, workdir.WriteArticlesIndex(articlesIndexPath, []workdir.ArticleIndexEntry{
		{SourceID: "src-1", Title: "Title One", URL: "https://example.com/1", Source: "example"},
		{SourceID: "src-2", Title: "Title Two", URL: "https://example.com/2", Source: "example"},
	}))
	require.NoError(t, workdir.WriteTaskInput(taskInputPath, workdir.TaskInput{
		TaskType: taskType,
		Prompt:   "summarize these articles",
		Metadata: map[string]any{},
	}))
	require.NoError(t, workdir.WriteManifest(manifestPath, workdir.Manifest{
		TaskID:            "task-1",
		TaskType:          taskType,
		Workdir:           dir,
		TaskInputPath:     taskInputPath,
		ArticlesIndexPath: articlesIndexPath,
		OutputResultPath:  outputResultPath,
		OutputStdoutPath:  filepath.Join(outputDir, "stdout.log"),
		OutputStderrPath:  filepath.Join(outputDir, "stderr.log"),
	}))

	if outputPayload != nil {
		raw, err := json.Marshal(outputPayload)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(outputResultPath, raw, 0o644))
	}

	task := models.LlmTask{
		TaskID:            "task-1",
		UserID:            "user-1",
		TaskType:          taskType,
		Status:            models.TaskStatusRunning,
		Attempt:           1,
		MaxAttempts:       3,
		TimeoutSeconds:    60,
		InputManifestPath: manifestPath,
	}
	return task, outputResultPath
}

func TestWorkerRunOnceIdleWhenNoTaskReady(t *testing.T) {
	repo := &fakeRepo{}
	be := &fakeBackend{}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Idle)
	assert.Equal(t, 0, be.calls)
}

func TestWorkerRunOnceSucceedsAndPersistsCitations(t *testing.T) {
	task, outputPath := writeTaskWorkdir(t, "compose", map[string]any{
		"blocks": []any{
			map[string]any{"text": "summary", "source_ids": []any{"src-1", "src-2"}},
		},
	})
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 0, Stdout: "ok", Stderr: ""}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "succeeded", outcome.Result)
	assert.True(t, repo.completed)
	assert.Equal(t, outputPath, repo.completedAt)
	require.Len(t, repo.snapshots, 2)
	assert.Equal(t, "src-1", repo.snapshots[0].SourceID)
	require.Len(t, repo.attempts, 1)
	assert.Nil(t, repo.attempts[0].FailureClass)
}

func TestWorkerRunOnceRecapTaskSkipsCitationSnapshots(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "recap_compose", map[string]any{
		"theme_blocks": []any{map[string]any{"text": "x"}},
	})
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 0}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "succeeded", outcome.Result)
	assert.Empty(t, repo.snapshots)
}

func TestWorkerRunOnceMissingOutputFileFailsRepairableThenTerminal(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", nil) // no output file written
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 0}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome.Result)
	require.NotNil(t, outcome.FailureClass)
	assert.Equal(t, models.FailureClassOutputInvalidJSON, *outcome.FailureClass)
	assert.True(t, repo.repairMarked, "repair should be attempted once for OUTPUT_INVALID_JSON")
	assert.Equal(t, 2, be.calls, "first attempt + one repair attempt")
}

func TestWorkerRunOnceUnknownSourceIDFailsSourceMapping(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", map[string]any{
		"blocks": []any{
			map[string]any{"text": "summary", "source_ids": []any{"unknown-id"}},
		},
	})
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 0}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome.FailureClass)
	assert.Equal(t, models.FailureClassSourceMappingFailed, *outcome.FailureClass)
}

func TestWorkerRunOnceCitationPersistenceFailureIsTerminalNonRetryable(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", map[string]any{
		"blocks": []any{
			map[string]any{"text": "summary", "source_ids": []any{"src-1"}},
		},
	})
	repo := &fakeRepo{task: &task, failCitationPersist: true}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 0}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome.Result)
	require.NotNil(t, outcome.FailureClass)
	assert.Equal(t, models.FailureClassBackendNonRetryable, *outcome.FailureClass)
	assert.False(t, repo.completed, "partial success is not allowed")
}

func TestWorkerRunOnceTimeoutSchedulesRetryWithGrownTimeout(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", nil)
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 124, TimedOut: true}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "retried", outcome.Result)
	assert.True(t, repo.retried)
}

func TestWorkerRunOnceExhaustedAttemptsFailsInsteadOfRetrying(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", nil)
	task.Attempt = 3
	task.MaxAttempts = 3
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 124, TimedOut: true}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "timeout", outcome.Result)
	assert.False(t, repo.retried)
	assert.Equal(t, models.TaskStatusTimeout, repo.failedStatus)
}

func TestWorkerRunOnceNonRetryableBackendErrorFailsTerminally(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", nil)
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{err: backend.NewRunError(false, "command template is empty")}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome.FailureClass)
	assert.Equal(t, models.FailureClassBackendNonRetryable, *outcome.FailureClass)
	assert.False(t, repo.retried)
}

func TestWorkerRunOnceTransientBackendErrorRetries(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", nil)
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{err: backend.NewRunError(true, "spawning CLI backend: resource temporarily unavailable")}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "retried", outcome.Result)
	assert.True(t, repo.retried)
}

func TestWorkerRunOnceMissingManifestFailsInputContractError(t *testing.T) {
	task := models.LlmTask{
		TaskID:            "task-1",
		UserID:            "user-1",
		TaskType:          "compose",
		Attempt:           1,
		MaxAttempts:       3,
		TimeoutSeconds:    60,
		InputManifestPath: filepath.Join(t.TempDir(), "missing_manifest.json"),
	}
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome.FailureClass)
	assert.Equal(t, models.FailureClassInputContractError, *outcome.FailureClass)
	assert.Equal(t, 0, be.calls)
}

func TestWorkerRunOnceClassifiesRateLimitAsTransientAndRetries(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", nil)
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 1, Stderr: "Error: rate limit reached, please retry later"}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "retried", outcome.Result)
	require.NotNil(t, outcome.FailureClass)
	assert.Equal(t, models.FailureClassBackendTransient, *outcome.FailureClass)
}

func TestWorkerRunOnceClassifiesBillingAsNonRetryable(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", nil)
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 1, Stderr: "insufficient credits to complete this request"}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	outcome, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome.Result)
	require.NotNil(t, outcome.FailureClass)
	assert.Equal(t, models.FailureClassBillingOrQuota, *outcome.FailureClass)
	assert.False(t, repo.retried)
}

func TestWorkerRunOnceRoutingFallbackAppliedEventRecorded(t *testing.T) {
	task, _ := writeTaskWorkdir(t, "compose", map[string]any{
		"blocks": []any{map[string]any{"text": "x", "source_ids": []any{"src-1"}}},
	})
	repo := &fakeRepo{task: &task}
	be := &fakeBackend{result: backend.RunResult{ExitCode: 0}}
	w := NewWorker(repo, be, Config{WorkerID: "w1", UserID: "user-1", RoutingDefaults: testRoutingDefaults()}, nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Contains(t, repo.events, "routing_fallback_applied")
}

func TestRetryDelayStaysWithinGrowingCap(t *testing.T) {
	w := NewWorker(&fakeRepo{}, &fakeBackend{}, Config{
		UserID:    "user-1",
		RetryBase: 2 * time.Second,
		RetryMax:  10 * time.Second,
	}, nil)

	for attempt := 1; attempt <= 6; attempt++ {
		grown := float64(2*time.Second) * math.Pow(2, float64(attempt-1))
		delayCap := time.Duration(math.Min(grown, float64(10*time.Second)))
		for i := 0; i < 50; i++ {
			delay := w.retryDelay(attempt)
			assert.GreaterOrEqual(t, delay, time.Duration(0), "attempt %d", attempt)
			assert.LessOrEqual(t, delay, delayCap, "attempt %d", attempt)
		}
	}
}

func TestArticleIDFromSourceID(t *testing.T) {
	id := articleIDFromSourceID("article:1f0a2b3c")
	require.NotNil(t, id)
	assert.Equal(t, "1f0a2b3c", *id)

	assert.Nil(t, articleIDFromSourceID("src-1"))
	assert.Nil(t, articleIDFromSourceID("article:"))
	assert.Nil(t, articleIDFromSourceID("article:   "))
}
