package recap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/queue"
	"github.com/andgineer/news-recap/internal/routing"
	"github.com/andgineer/news-recap/internal/workdir"
	"github.com/stretchr/testify/require"
)

type fakeRecapRepo struct {
	run     models.RecapRun
	started bool

	articles []models.DedupCandidate

	tasks    map[string]models.LlmTask
	outputs  []models.UserOutput
	advanced []models.RecapStep
	finished *models.RecapRunStatus
}

func newFakeRecapRepo() *fakeRecapRepo {
	return &fakeRecapRepo{tasks: map[string]models.LlmTask{}}
}

func (f *fakeRecapRepo) StartRecapRun(ctx context.Context, userID string, businessDate time.Time, staleAfter time.Duration) (models.RecapRun, error) {
	f.started = true
	f.run = models.RecapRun{
		RunID:        "run-1",
		UserID:       userID,
		BusinessDate: businessDate,
		Status:       models.RecapRunStatusRunning,
		CurrentStep:  models.RecapStepClassify,
		StepState:    map[string]any{},
	}
	return f.run, nil
}

func (f *fakeRecapRepo) TouchRecapRun(ctx context.Context, runID string, at time.Time) error { return nil }

func (f *fakeRecapRepo) AdvanceRecapStep(ctx context.Context, runID string, nextStep models.RecapStep, stepResult map[string]any) error {
	f.advanced = append(f.advanced, nextStep)
	return nil
}

func (f *fakeRecapRepo) FinishRecapRun(ctx context.Context, runID string, status models.RecapRunStatus, errorSummary *string, finishedAt time.Time) error {
	f.finished = &status
	return nil
}

func (f *fakeRecapRepo) ListArticlesForRecap(ctx context.Context, userID string, businessDate time.Time) ([]models.DedupCandidate, error) {
	return f.articles, nil
}

func (f *fakeRecapRepo) EnqueueTask(ctx context.Context, payload models.LlmTaskCreate) (models.LlmTask, error) {
	task := models.LlmTask{
		TaskID:            payload.TaskID,
		UserID:            payload.UserID,
		TaskType:          payload.TaskType,
		Status:            models.TaskStatusQueued,
		InputManifestPath: payload.InputManifestPath,
	}
	f.tasks[task.TaskID] = task
	return task, nil
}

func (f *fakeRecapRepo) UpsertHighlightsOutput(ctx context.Context, output models.UserOutput) (string, error) {
	f.outputs = append(f.outputs, output)
	return "output-1", nil
}

// fakeRunner drives each enqueued task to completion by synthesizing a
// canned output file for its task type, mimicking what a real
// queue.Worker would have written after a successful backend run.
type fakeRunner struct {
	repo             *fakeRecapRepo
	outcomes         map[string]map[string]any // task_type -> output payload
	fail             map[string]string         // task_type -> error summary
	classifyOutFiles map[string]string         // article_id -> per-file classification
}

func (r *fakeRunner) RunUntilDone(ctx context.Context, taskID string, opts queue.LoopOptions) (models.LlmTask, error) {
	task, ok := r.repo.tasks[taskID]
	if !ok {
		return models.LlmTask{}, fmt.Errorf("no enqueued task %s", taskID)
	}

	if errSummary, failing := r.fail[task.TaskType]; failing {
		task.Status = models.TaskStatusFailed
		task.ErrorSummary = &errSummary
		r.repo.tasks[taskID] = task
		return task, nil
	}

	payload := r.outcomes[task.TaskType]
	outPath := filepath.Join(filepath.Dir(task.InputManifestPath), "..", "output", "agent_result.json")
	outPath = filepath.Clean(outPath)
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.LlmTask{}, err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return models.LlmTask{}, err
	}
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		return models.LlmTask{}, err
	}

	if task.TaskType == "recap_classify" {
		resultsDir := filepath.Join(filepath.Dir(outPath), "results")
		for articleID, classification := range r.classifyOutFiles {
			if err := os.MkdirAll(resultsDir, 0o755); err != nil {
				return models.LlmTask{}, err
			}
			if err := os.WriteFile(filepath.Join(resultsDir, articleID+"_out.txt"), []byte(classification+"\n"), 0o644); err != nil {
				return models.LlmTask{}, err
			}
		}
	}

	task.Status = models.TaskStatusSucceeded
	task.OutputPath = &outPath
	r.repo.tasks[taskID] = task
	return task, nil
}

type fakeFetcher struct{}

func (fakeFetcher) FetchArticleText(ctx context.Context, url string) (string, error) {
	return "full text for " + url, nil
}

func testRoutingDefaults() routing.Defaults {
	return routing.Defaults{
		DefaultAgent:       "claude",
		TaskTypeProfileMap: map[string]string{},
		CommandTemplates:   map[string]string{"claude": "claude run {prompt}"},
		Models:             map[string]map[string]string{"claude": {"fast": "claude-haiku", "quality": "claude-opus"}},
	}
}

func TestCoordinatorRunComposesHighlightsOutput(t *testing.T) {
	repo := newFakeRecapRepo()
	repo.articles = []models.DedupCandidate{
		{ArticleID: "a1", Title: "Story One", URL: "https://example.com/a1", PublishedAt: time.Now()},
		{ArticleID: "a2", Title: "Story Two", URL: "https://example.com/a2", PublishedAt: time.Now()},
	}

	runner := &fakeRunner{
		repo: repo,
		outcomes: map[string]map[string]any{
			"recap_classify": {"articles": []any{
				map[string]any{"article_id": "a1", "classification": "ok"},
				map[string]any{"article_id": "a2", "classification": "enrich"},
			}},
			"recap_enrich": {"enriched": []any{
				map[string]any{"article_id": "a2", "new_title": "Story Two (clean)", "clean_text": "..."},
			}},
			"recap_group": {"events": []any{
				map[string]any{"event_id": "e1", "title": "Event One", "significance": "high", "article_ids": []any{"a1", "a2"}, "topic_tags": []any{"tech"}},
			}},
			"recap_enrich_full": {"enriched": []any{
				map[string]any{"article_id": "a1", "new_title": "Story One", "clean_text": "..."},
				map[string]any{"article_id": "a2", "new_title": "Story Two (clean)", "clean_text": "..."},
			}},
			"recap_synthesize": {"status": "ok", "events": []any{
				map[string]any{"event_id": "e1", "synthesis": "...", "summary": "Event one summary", "key_facts": []any{"fact"}, "sources_used": []any{"a1", "a2"}},
			}},
			"recap_compose": {"theme_blocks": []any{
				map[string]any{"theme": "Tech", "recaps": []any{
					map[string]any{"headline": "Event One", "body": "Event one summary", "sources": []any{"a1", "a2"}},
				}},
			}},
		},
	}

	dir := t.TempDir()
	coordinator := New(repo, runner, fakeFetcher{}, workdir.NewManager(dir), testRoutingDefaults(), nil, nil)

	run, err := coordinator.Run(context.Background(), "user-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, models.RecapRunStatusSucceeded, run.Status)
	require.Len(t, repo.outputs, 1)
	require.Equal(t, models.OutputKindHighlights, repo.outputs[0].Kind)
	require.Len(t, repo.outputs[0].Blocks, 1)
	require.Contains(t, repo.outputs[0].Blocks[0].Text, "Event One")
	require.ElementsMatch(t, []string{"a1", "a2"}, repo.outputs[0].Blocks[0].SourceIDs)
}

func TestCoordinatorClassifyPerFileResultsWinOverSummary(t *testing.T) {
	repo := newFakeRecapRepo()
	repo.articles = []models.DedupCandidate{
		{ArticleID: "a1", Title: "Story One", URL: "https://example.com/a1", PublishedAt: time.Now()},
		{ArticleID: "a2", Title: "Story Two", URL: "https://example.com/a2", PublishedAt: time.Now()},
	}

	runner := &fakeRunner{
		repo: repo,
		outcomes: map[string]map[string]any{
			"recap_classify": {"articles": []any{
				map[string]any{"article_id": "a1", "classification": "ok"},
				map[string]any{"article_id": "a2", "classification": "ok"},
			}},
			"recap_enrich":      {"enriched": []any{}},
			"recap_group":       {"events": []any{}},
			"recap_enrich_full": {"enriched": []any{}},
			"recap_synthesize":  {"status": "ok", "events": []any{}},
			"recap_compose":     {"theme_blocks": []any{}},
		},
		// The summary says "ok" for both, but the per-article file drops a2.
		classifyOutFiles: map[string]string{"a2": "trash"},
	}

	dir := t.TempDir()
	coordinator := New(repo, runner, fakeFetcher{}, workdir.NewManager(dir), testRoutingDefaults(), nil, nil)

	run, err := coordinator.Run(context.Background(), "user-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, models.RecapRunStatusSucceeded, run.Status)
	require.Equal(t, []string{"a1"}, stringsAt(run.StepState["kept_article_ids"]))
}

func TestCoordinatorRunWithNoArticlesSkipsToSuccess(t *testing.T) {
	repo := newFakeRecapRepo()
	runner := &fakeRunner{repo: repo, outcomes: map[string]map[string]any{}}
	dir := t.TempDir()
	coordinator := New(repo, runner, fakeFetcher{}, workdir.NewManager(dir), testRoutingDefaults(), nil, nil)

	run, err := coordinator.Run(context.Background(), "user-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, models.RecapRunStatusSucceeded, run.Status)
	require.Empty(t, repo.outputs)
}

func TestCoordinatorRunFailsPipelineOnStepTaskFailure(t *testing.T) {
	repo := newFakeRecapRepo()
	repo.articles = []models.DedupCandidate{
		{ArticleID: "a1", Title: "Story One", URL: "https://example.com/a1", PublishedAt: time.Now()},
	}
	runner := &fakeRunner{
		repo: repo,
		fail: map[string]string{"recap_classify": "backend exploded"},
	}
	dir := t.TempDir()
	coordinator := New(repo, runner, fakeFetcher{}, workdir.NewManager(dir), testRoutingDefaults(), nil, nil)

	run, err := coordinator.Run(context.Background(), "user-1", time.Now())
	require.Error(t, err)
	require.Equal(t, models.RecapRunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorSummary)
	require.Contains(t, *run.ErrorSummary, "backend exploded")
}
