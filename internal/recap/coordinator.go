package recap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andgineer/news-recap/internal/events"
	"github.com/andgineer/news-recap/internal/metrics"
	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/notify"
	"github.com/andgineer/news-recap/internal/queue"
	"github.com/andgineer/news-recap/internal/routing"
	"github.com/andgineer/news-recap/internal/workdir"
	"github.com/google/uuid"
)

// DefaultStaleAfter is the recap run stale-heartbeat window (ingestion
// runs use their own, shorter DefaultStaleRunAfter): a recap run with no heartbeat in this long is presumed crashed and is
// superseded rather than blocking the user forever.
const DefaultStaleAfter = 30 * time.Minute

// DefaultTaskTimeoutSeconds and DefaultTaskMaxAttempts size the llm_tasks
// rows the coordinator enqueues for its LLM steps.
const (
	DefaultTaskTimeoutSeconds = 180
	DefaultTaskMaxAttempts    = 3
)

// Coordinator drives one user's recap pipeline end to end.
type Coordinator struct {
	repo            Repository
	runner          TaskRunner
	fetcher         ResourceFetcher
	workdirMgr      *workdir.Manager
	routingDefaults routing.Defaults
	notifier        *notify.Service
	publisher       *events.Publisher
	staleAfter      time.Duration
	taskTimeout     int
	maxAttempts     int
}

// New returns a Coordinator. fetcher may be nil to use the default
// HTTP-based ResourceFetcher. notifier and publisher may be nil; both
// types are nil-safe, so a nil value silently disables that channel.
func New(repo Repository, runner TaskRunner, fetcher ResourceFetcher, workdirMgr *workdir.Manager, routingDefaults routing.Defaults, notifier *notify.Service, publisher *events.Publisher) *Coordinator {
	if fetcher == nil {
		fetcher = NewHTTPResourceFetcher()
	}
	return &Coordinator{
		repo:            repo,
		runner:          runner,
		fetcher:         fetcher,
		workdirMgr:      workdirMgr,
		routingDefaults: routingDefaults,
		notifier:        notifier,
		publisher:       publisher,
		staleAfter:      DefaultStaleAfter,
		taskTimeout:     DefaultTaskTimeoutSeconds,
		maxAttempts:     DefaultTaskMaxAttempts,
	}
}

// stepFunc implements one pipeline step, returning the fields to merge
// into the run's persisted step_state.
type stepFunc func(ctx context.Context, run *models.RecapRun) (map[string]any, error)

// Run executes the recap pipeline for (userID, businessDate) from
// whatever step the run is currently at (step 1 for a fresh run, a
// later step if resuming one StartRecapRun found already in progress
// and still fresh). It returns the final RecapRun on both success and
// pipeline failure; callers distinguish the two via run.Status.
func (c *Coordinator) Run(ctx context.Context, userID string, businessDate time.Time) (models.RecapRun, error) {
	run, err := c.repo.StartRecapRun(ctx, userID, businessDate, c.staleAfter)
	if err != nil {
		return models.RecapRun{}, err
	}
	businessDateStr := businessDate.Format("2006-01-02")
	log := slog.With("run_id", run.RunID, "user_id", userID, "business_date", businessDateStr)
	log.Info("recap run started", "from_step", run.CurrentStep)
	if run.CurrentStep == models.RecapStepClassify {
		c.notifier.NotifyRecapStarted(ctx, run.RunID, run.UserID, businessDateStr)
	}

	steps := map[models.RecapStep]stepFunc{
		models.RecapStepClassify:         c.stepClassify,
		models.RecapStepResourceLoad:     c.stepResourceLoad,
		models.RecapStepEnrich:           c.stepEnrich,
		models.RecapStepGroup:            c.stepGroup,
		models.RecapStepResourceLoadFull: c.stepResourceLoadFull,
		models.RecapStepEnrichFull:       c.stepEnrichFull,
		models.RecapStepSynthesize:       c.stepSynthesize,
		models.RecapStepCompose:          c.stepCompose,
	}

	startIdx := stepIndex(run.CurrentStep)
	for i := startIdx; i < len(models.RecapStepOrder); i++ {
		step := models.RecapStepOrder[i]
		fn, ok := steps[step]
		if !ok {
			return c.fail(ctx, run, fmt.Errorf("no handler registered for recap step %q", step))
		}

		if err := c.repo.TouchRecapRun(ctx, run.RunID, time.Now().UTC()); err != nil {
			return c.fail(ctx, run, fmt.Errorf("touching recap run before step %s: %w", step, err))
		}

		stepStarted := time.Now()
		result, err := fn(ctx, &run)
		metrics.RecapStepFinished(string(step), time.Since(stepStarted).Seconds())
		if err != nil {
			return c.fail(ctx, run, fmt.Errorf("step %s: %w", step, err))
		}
		log.Info("recap step finished", "step", step, "duration_ms", time.Since(stepStarted).Milliseconds())

		if step == models.RecapStepClassify {
			if empty, _ := result["empty"].(bool); empty {
				if err := c.repo.AdvanceRecapStep(ctx, run.RunID, models.RecapStepCompose, result); err != nil {
					return c.fail(ctx, run, fmt.Errorf("recording empty recap run: %w", err))
				}
				if err := c.repo.FinishRecapRun(ctx, run.RunID, models.RecapRunStatusSucceeded, nil, time.Now().UTC()); err != nil {
					return run, fmt.Errorf("finishing empty recap run: %w", err)
				}
				run.Status = models.RecapRunStatusSucceeded
				run.CurrentStep = models.RecapStepCompose
				metrics.RecapRunFinished(string(run.Status))
				log.Info("recap run succeeded with no articles")
				c.notifier.NotifyRecapTerminal(ctx, notify.RecapTerminalInput{RunID: run.RunID, UserID: run.UserID, BusinessDate: businessDateStr, Status: string(run.Status)})
				if err := c.publisher.PublishRecapRunStatus(ctx, events.RecapRunStatusChanged{
					RunID: run.RunID, UserID: run.UserID, CurrentStep: string(run.CurrentStep), ToStatus: string(run.Status),
				}); err != nil {
					log.Warn("publishing recap run status failed", "error", err)
				}
				return run, nil
			}
		}

		next := step
		if i+1 < len(models.RecapStepOrder) {
			next = models.RecapStepOrder[i+1]
		}
		if err := c.repo.AdvanceRecapStep(ctx, run.RunID, next, result); err != nil {
			return c.fail(ctx, run, fmt.Errorf("advancing past step %s: %w", step, err))
		}
		run.CurrentStep = next
		for k, v := range result {
			run.StepState[k] = v
		}
	}

	if err := c.repo.FinishRecapRun(ctx, run.RunID, models.RecapRunStatusSucceeded, nil, time.Now().UTC()); err != nil {
		return run, fmt.Errorf("finishing recap run: %w", err)
	}
	run.Status = models.RecapRunStatusSucceeded
	metrics.RecapRunFinished(string(run.Status))
	log.Info("recap run succeeded")
	c.notifier.NotifyRecapTerminal(ctx, notify.RecapTerminalInput{RunID: run.RunID, UserID: run.UserID, BusinessDate: run.BusinessDate.Format("2006-01-02"), Status: string(run.Status)})
	if err := c.publisher.PublishRecapRunStatus(ctx, events.RecapRunStatusChanged{
		RunID: run.RunID, UserID: run.UserID, CurrentStep: string(run.CurrentStep), ToStatus: string(run.Status),
	}); err != nil {
		log.Warn("publishing recap run status failed", "error", err)
	}
	return run, nil
}

func (c *Coordinator) fail(ctx context.Context, run models.RecapRun, stepErr error) (models.RecapRun, error) {
	summary := stepErr.Error()
	log := slog.With("run_id", run.RunID, "user_id", run.UserID)
	log.Error("recap run failed", "step", run.CurrentStep, "error", stepErr)
	metrics.RecapRunFinished(string(models.RecapRunStatusFailed))
	c.notifier.NotifyRecapTerminal(ctx, notify.RecapTerminalInput{RunID: run.RunID, UserID: run.UserID, BusinessDate: run.BusinessDate.Format("2006-01-02"), Status: string(models.RecapRunStatusFailed), ErrorSummary: summary})
	if err := c.publisher.PublishRecapRunStatus(ctx, events.RecapRunStatusChanged{
		RunID: run.RunID, UserID: run.UserID, CurrentStep: string(run.CurrentStep), ToStatus: string(models.RecapRunStatusFailed),
	}); err != nil {
		log.Warn("publishing recap run status failed", "error", err)
	}
	if err := c.repo.FinishRecapRun(ctx, run.RunID, models.RecapRunStatusFailed, &summary, time.Now().UTC()); err != nil {
		return run, fmt.Errorf("%w (also failed to record failure: %v)", stepErr, err)
	}
	run.Status = models.RecapRunStatusFailed
	run.ErrorSummary = &summary
	return run, stepErr
}

func stepIndex(step models.RecapStep) int {
	for i, s := range models.RecapStepOrder {
		if s == step {
			return i
		}
	}
	return 0
}

// stepClassify (operation 1) asks the classify agent to label each
// article ok/enrich/trash. Trash articles are dropped from the
// pipeline; enrich articles are queued for a full-text resource load.
func (c *Coordinator) stepClassify(ctx context.Context, run *models.RecapRun) (map[string]any, error) {
	articles, err := c.repo.ListArticlesForRecap(ctx, run.UserID, run.BusinessDate)
	if err != nil {
		return nil, fmt.Errorf("listing articles for recap: %w", err)
	}
	if len(articles) == 0 {
		return map[string]any{"empty": true, "kept_article_ids": []string{}, "enrich_article_ids": []string{}}, nil
	}

	// map[string]any so readers see the same shape whether the state was
	// set in-process or reloaded from the run's persisted step_state JSON.
	urls := map[string]any{}
	titles := map[string]any{}
	for _, a := range articles {
		urls[a.ArticleID] = a.URL
		titles[a.ArticleID] = a.Title
	}

	// Each article goes in as resources/{id}_in.txt; the agent answers
	// with results/{id}_out.txt holding one of ok|enrich|trash, plus the
	// summary JSON as a fallback for ids it skipped a file for.
	prepare := func(paths workdir.Paths) error {
		for _, a := range articles {
			inPath := filepath.Join(paths.InputResourcesDir, a.ArticleID+"_in.txt")
			content := a.Title + "\n" + a.URL + "\n\n" + a.CleanText
			if err := os.WriteFile(inPath, []byte(content), 0o644); err != nil {
				return fmt.Errorf("writing classify input for %s: %w", a.ArticleID, err)
			}
		}
		return nil
	}

	payload, paths, err := c.runLLMStepInWorkdir(ctx, run, "recap_classify",
		"For every input/resources/{article_id}_in.txt, write output/results/{article_id}_out.txt containing exactly one of: ok, enrich, trash. "+
			"Also return JSON {\"articles\": [{\"article_id\": ..., \"classification\": \"ok\"|\"enrich\"|\"trash\"}]}.",
		indexFromCandidates(articles), nil,
		workdir.CreateOptions{ContractVersion: 3, WithResourcesDir: true, WithResultsDir: true}, prepare)
	if err != nil {
		return nil, err
	}

	classifications := map[string]models.ArticleClassification{}
	for _, raw := range asSlice(payload["articles"]) {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := obj["article_id"].(string)
		if id == "" {
			continue
		}
		classifications[id] = models.ArticleClassification(fmt.Sprint(obj["classification"]))
	}
	// Per-file answers win over the summary JSON.
	for _, a := range articles {
		outPath := filepath.Join(paths.OutputResultsDir, a.ArticleID+"_out.txt")
		raw, err := os.ReadFile(outPath)
		if err != nil {
			continue
		}
		classifications[a.ArticleID] = models.ArticleClassification(strings.TrimSpace(string(raw)))
	}

	var keptIDs, enrichIDs []string
	for _, a := range articles {
		switch classifications[a.ArticleID] {
		case models.ArticleClassificationTrash:
			continue
		case models.ArticleClassificationEnrich:
			keptIDs = append(keptIDs, a.ArticleID)
			enrichIDs = append(enrichIDs, a.ArticleID)
		default:
			keptIDs = append(keptIDs, a.ArticleID)
		}
	}

	return map[string]any{
		"kept_article_ids":   keptIDs,
		"enrich_article_ids": enrichIDs,
		"article_urls":       urls,
		"article_titles":     titles,
	}, nil
}

// stepResourceLoad (operation 2) is not an LLM step: it fetches full
// source text for every article the classify step flagged "enrich".
func (c *Coordinator) stepResourceLoad(ctx context.Context, run *models.RecapRun) (map[string]any, error) {
	return c.loadResources(ctx, run, stringsAt(run.StepState["enrich_article_ids"]))
}

// stepResourceLoadFull (operation 4b) fetches full text for the
// articles backing the events worth expanding: significance high or
// medium, or at least two member articles.
func (c *Coordinator) stepResourceLoadFull(ctx context.Context, run *models.RecapRun) (map[string]any, error) {
	seen := map[string]bool{}
	var articleIDs []string
	for _, raw := range asSlice(run.StepState["events"]) {
		event, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		significance, _ := event["significance"].(string)
		memberIDs := stringsAt(event["article_ids"])
		if significance != "high" && significance != "medium" && len(memberIDs) < 2 {
			continue
		}
		for _, id := range memberIDs {
			if !seen[id] {
				seen[id] = true
				articleIDs = append(articleIDs, id)
			}
		}
	}
	return c.loadResources(ctx, run, articleIDs)
}

func (c *Coordinator) loadResources(ctx context.Context, run *models.RecapRun, articleIDs []string) (map[string]any, error) {
	urls, _ := run.StepState["article_urls"].(map[string]any)
	fetched := map[string]any{}
	failed := []string{}
	for _, id := range articleIDs {
		url, _ := urls[id].(string)
		if url == "" {
			continue
		}
		text, err := c.fetcher.FetchArticleText(ctx, url)
		if err != nil {
			failed = append(failed, id)
			continue
		}
		fetched[id] = text
	}
	return map[string]any{"fetched_text": fetched, "fetch_failed_ids": failed}, nil
}

// stepEnrich (operation 3) asks the enrich agent to rewrite the
// "enrich"-classified articles using the resource-loaded full text.
func (c *Coordinator) stepEnrich(ctx context.Context, run *models.RecapRun) (map[string]any, error) {
	return c.runEnrichLike(ctx, run, "recap_enrich", stringsAt(run.StepState["enrich_article_ids"]))
}

// stepEnrichFull (operation 4c) re-runs enrichment over the articles
// the full-text reload actually fetched.
func (c *Coordinator) stepEnrichFull(ctx context.Context, run *models.RecapRun) (map[string]any, error) {
	fetched, _ := run.StepState["fetched_text"].(map[string]any)
	ids := make([]string, 0, len(fetched))
	for id := range fetched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return c.runEnrichLike(ctx, run, "recap_enrich_full", ids)
}

func (c *Coordinator) runEnrichLike(ctx context.Context, run *models.RecapRun, taskType string, articleIDs []string) (map[string]any, error) {
	if len(articleIDs) == 0 {
		return map[string]any{"enriched": []any{}}, nil
	}

	fetched, _ := run.StepState["fetched_text"].(map[string]any)
	titles, _ := run.StepState["article_titles"].(map[string]any)
	urls, _ := run.StepState["article_urls"].(map[string]any)

	articles := make([]map[string]any, 0, len(articleIDs))
	index := make([]workdir.ArticleIndexEntry, 0, len(articleIDs))
	for _, id := range articleIDs {
		title, _ := titles[id].(string)
		url, _ := urls[id].(string)
		text, _ := fetched[id].(string)
		articles = append(articles, map[string]any{"article_id": id, "title": title, "raw_text": text})
		index = append(index, workdir.ArticleIndexEntry{SourceID: id, Title: title, URL: url})
	}

	payload, err := c.runLLMStep(ctx, run, taskType,
		"Rewrite each article's title and body into a clean, de-duplicated form. "+
			"Return JSON {\"enriched\": [{\"article_id\", \"new_title\", \"clean_text\"}]}.",
		index, map[string]any{"articles": articles})
	if err != nil {
		return nil, err
	}
	return map[string]any{"enriched": payload["enriched"]}, nil
}

// stepGroup (operation 4) asks the group agent to cluster kept
// articles into distinct news events.
func (c *Coordinator) stepGroup(ctx context.Context, run *models.RecapRun) (map[string]any, error) {
	keptIDs := stringsAt(run.StepState["kept_article_ids"])
	titles, _ := run.StepState["article_titles"].(map[string]any)
	urls, _ := run.StepState["article_urls"].(map[string]any)

	index := make([]workdir.ArticleIndexEntry, 0, len(keptIDs))
	for _, id := range keptIDs {
		title, _ := titles[id].(string)
		url, _ := urls[id].(string)
		index = append(index, workdir.ArticleIndexEntry{SourceID: id, Title: title, URL: url})
	}

	payload, err := c.runLLMStep(ctx, run, "recap_group",
		"Group the given articles into distinct news events by story, not just topic. "+
			"Return JSON {\"events\": [{\"event_id\", \"title\", \"significance\", \"article_ids\", \"topic_tags\"}]}.",
		index, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": payload["events"]}, nil
}

// stepSynthesize (operation 5) asks the synthesize agent to write a
// factual synthesis of each event from its grouped, enriched articles.
func (c *Coordinator) stepSynthesize(ctx context.Context, run *models.RecapRun) (map[string]any, error) {
	events := asSlice(run.StepState["events"])
	enriched := run.StepState["enriched"]

	index := indexFromKept(run)
	payload, err := c.runLLMStep(ctx, run, "recap_synthesize",
		"Using the grouped events and enriched article text, write a factual synthesis for each event. "+
			"Return JSON {\"status\": \"ok\", \"events\": [{\"event_id\", \"synthesis\", \"summary\", \"key_facts\", \"sources_used\"}]}.",
		index, map[string]any{"events": events, "enriched": enriched})
	if err != nil {
		return nil, err
	}
	return map[string]any{"synthesized_events": payload["events"]}, nil
}

// stepCompose (operation 6) asks the compose agent to lay out the
// synthesized events into themed highlight blocks, then materializes
// the result as the user's highlights UserOutput.
func (c *Coordinator) stepCompose(ctx context.Context, run *models.RecapRun) (map[string]any, error) {
	synthesized := asSlice(run.StepState["synthesized_events"])
	index := indexFromKept(run)

	payload, err := c.runLLMStep(ctx, run, "recap_compose",
		"Lay out the synthesized events into themed recap blocks for a daily digest. "+
			"Return JSON {\"theme_blocks\": [{\"theme\", \"recaps\": [{\"headline\", \"body\", \"sources\"}]}]}.",
		index, map[string]any{"events": synthesized})
	if err != nil {
		return nil, err
	}

	blocks := blocksFromThemeBlocks(asSlice(payload["theme_blocks"]))
	if _, err := c.repo.UpsertHighlightsOutput(ctx, models.UserOutput{
		UserID:       run.UserID,
		Kind:         models.OutputKindHighlights,
		BusinessDate: run.BusinessDate,
		Blocks:       blocks,
	}); err != nil {
		return nil, fmt.Errorf("upserting highlights output: %w", err)
	}

	return map[string]any{"theme_blocks": payload["theme_blocks"]}, nil
}

func blocksFromThemeBlocks(themeBlocks []any) []models.UserOutputBlock {
	var blocks []models.UserOutputBlock
	position := 0
	for _, rawTheme := range themeBlocks {
		theme, ok := rawTheme.(map[string]any)
		if !ok {
			continue
		}
		themeName, _ := theme["theme"].(string)
		for _, rawRecap := range asSlice(theme["recaps"]) {
			recap, ok := rawRecap.(map[string]any)
			if !ok {
				continue
			}
			headline, _ := recap["headline"].(string)
			body, _ := recap["body"].(string)
			text := headline
			if themeName != "" {
				text = fmt.Sprintf("[%s] %s", themeName, headline)
			}
			if body != "" {
				text = text + "\n\n" + body
			}
			var sources []string
			for _, s := range asSlice(recap["sources"]) {
				if str, ok := s.(string); ok {
					sources = append(sources, str)
				}
			}
			blocks = append(blocks, models.UserOutputBlock{
				Position:  position,
				Text:      text,
				SourceIDs: sources,
			})
			position++
		}
	}
	return blocks
}

// runLLMStep enqueues taskType as a durable task, drives it to
// completion with the coordinator's TaskRunner, and returns its decoded
// output payload. extraMetadata is merged into task_input.json's
// metadata alongside the frozen routing and recap run identifiers.
func (c *Coordinator) runLLMStep(ctx context.Context, run *models.RecapRun, taskType, prompt string, index []workdir.ArticleIndexEntry, extraMetadata map[string]any) (map[string]any, error) {
	payload, _, err := c.runLLMStepInWorkdir(ctx, run, taskType, prompt, index, extraMetadata, workdir.CreateOptions{ContractVersion: 1}, nil)
	return payload, err
}

// runLLMStepInWorkdir is runLLMStep with an explicit workdir contract
// and an optional prepare hook that can populate resource files between
// workdir materialization and enqueue (used by classify).
func (c *Coordinator) runLLMStepInWorkdir(ctx context.Context, run *models.RecapRun, taskType, prompt string, index []workdir.ArticleIndexEntry, extraMetadata map[string]any, opts workdir.CreateOptions, prepare func(workdir.Paths) error) (map[string]any, workdir.Paths, error) {
	taskID := uuid.NewString()

	frozen, err := routing.ResolveForEnqueue(c.routingDefaults, taskType, routing.Overrides{}, time.Now().UTC())
	if err != nil {
		return nil, workdir.Paths{}, fmt.Errorf("resolving routing for %s: %w", taskType, err)
	}

	metadata := map[string]any{
		"routing":       frozen,
		"recap_run_id":  run.RunID,
		"business_date": run.BusinessDate.Format("2006-01-02"),
	}
	for k, v := range extraMetadata {
		metadata[k] = v
	}

	paths, err := c.workdirMgr.Create(taskID, taskType, workdir.TaskInput{
		TaskType: taskType,
		Prompt:   prompt,
		Metadata: metadata,
	}, index, opts)
	if err != nil {
		return nil, workdir.Paths{}, fmt.Errorf("materializing workdir for %s: %w", taskType, err)
	}
	if prepare != nil {
		if err := prepare(paths); err != nil {
			return nil, workdir.Paths{}, err
		}
	}

	enqueued, err := c.repo.EnqueueTask(ctx, models.LlmTaskCreate{
		TaskID:            taskID,
		UserID:            run.UserID,
		TaskType:          taskType,
		MaxAttempts:       c.maxAttempts,
		TimeoutSeconds:    c.taskTimeout,
		RunAfter:          time.Now().UTC(),
		InputManifestPath: paths.ManifestPath,
	})
	if err != nil {
		return nil, workdir.Paths{}, fmt.Errorf("enqueueing %s task: %w", taskType, err)
	}
	metrics.TaskEnqueued(taskType)

	finished, err := c.runner.RunUntilDone(ctx, enqueued.TaskID, queue.LoopOptions{})
	if err != nil {
		return nil, workdir.Paths{}, fmt.Errorf("running %s task: %w", taskType, err)
	}
	if finished.Status != models.TaskStatusSucceeded {
		summary := "task did not succeed"
		if finished.ErrorSummary != nil {
			summary = *finished.ErrorSummary
		}
		return nil, workdir.Paths{}, fmt.Errorf("%s task %s ended %s: %s", taskType, finished.TaskID, finished.Status, summary)
	}
	if finished.OutputPath == nil {
		return nil, workdir.Paths{}, fmt.Errorf("%s task %s succeeded without an output path", taskType, finished.TaskID)
	}

	raw, err := os.ReadFile(*finished.OutputPath)
	if err != nil {
		return nil, workdir.Paths{}, fmt.Errorf("reading %s output: %w", taskType, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, workdir.Paths{}, fmt.Errorf("decoding %s output: %w", taskType, err)
	}
	return payload, paths, nil
}

func indexFromCandidates(articles []models.DedupCandidate) []workdir.ArticleIndexEntry {
	index := make([]workdir.ArticleIndexEntry, 0, len(articles))
	for _, a := range articles {
		publishedAt := a.PublishedAt.UTC().Format(time.RFC3339)
		index = append(index, workdir.ArticleIndexEntry{
			SourceID:    a.ArticleID,
			Title:       a.Title,
			URL:         a.URL,
			Source:      a.SourceDomain,
			PublishedAt: &publishedAt,
		})
	}
	return index
}

func indexFromKept(run *models.RecapRun) []workdir.ArticleIndexEntry {
	keptIDs := stringsAt(run.StepState["kept_article_ids"])
	titles, _ := run.StepState["article_titles"].(map[string]any)
	urls, _ := run.StepState["article_urls"].(map[string]any)
	index := make([]workdir.ArticleIndexEntry, 0, len(keptIDs))
	for _, id := range keptIDs {
		title, _ := titles[id].(string)
		url, _ := urls[id].(string)
		index = append(index, workdir.ArticleIndexEntry{SourceID: id, Title: title, URL: url})
	}
	return index
}

// asSlice normalizes a decoded-JSON field that should be an array but
// may be absent (nil) into an empty slice instead of panicking on a
// failed type assertion.
func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// stringsAt reads a []string that may have round-tripped through JSON
// (and therefore decoded as []any of strings) or stayed a native
// []string when set directly within the same process.
func stringsAt(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
