package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	mathrand "math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/andgineer/news-recap/internal/backend"
	"github.com/andgineer/news-recap/internal/classifier"
	"github.com/andgineer/news-recap/internal/events"
	"github.com/andgineer/news-recap/internal/metrics"
	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/repository"
	"github.com/andgineer/news-recap/internal/routing"
	"github.com/andgineer/news-recap/internal/validator"
	"github.com/andgineer/news-recap/internal/workdir"
)

// DefaultRetryBase, DefaultRetryMax, DefaultTimeoutRetryCap, and
// DefaultPreviewChars size the retry policy and the sanitized
// stdout/stderr previews.
const (
	DefaultRetryBase       = 5 * time.Second
	DefaultRetryMax        = 10 * time.Minute
	DefaultTimeoutRetryCap = 30 * time.Minute
	DefaultPreviewChars    = 4000
)

// DefaultTransientExitCodes is the fixed set of exit codes treated as
// transient by default (SIGKILL/SIGTERM signal exits).
var DefaultTransientExitCodes = []int{137, 143}

// Config configures a Worker.
type Config struct {
	WorkerID             string
	UserID               string
	RetryBase            time.Duration
	RetryMax             time.Duration
	TimeoutRetryCap      time.Duration
	PreviewChars         int
	TransientExitCodes   []int
	RoutingDefaults      routing.Defaults
	InputRatePerMillion  float64
	OutputRatePerMillion float64
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.TimeoutRetryCap <= 0 {
		c.TimeoutRetryCap = DefaultTimeoutRetryCap
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = DefaultPreviewChars
	}
	if c.TransientExitCodes == nil {
		c.TransientExitCodes = DefaultTransientExitCodes
	}
	return c
}

// Worker claims and executes one task at a time for a single user.
type Worker struct {
	repo      Repository
	backend   Backend
	cfg       Config
	publisher *events.Publisher
}

// NewWorker builds a Worker. publisher may be nil; events.Publisher is
// nil-safe, so a nil publisher silently disables the NOTIFY fan-out.
func NewWorker(repo Repository, be Backend, cfg Config, publisher *events.Publisher) *Worker {
	return &Worker{repo: repo, backend: be, cfg: cfg.withDefaults(), publisher: publisher}
}

// Outcome summarizes one RunOnce call.
type Outcome struct {
	Idle         bool
	TaskID       string
	Result       string // "succeeded", "failed", "timeout", "retried"
	FailureClass *models.FailureClass
}

// RunOnce performs one claim_next_ready_task + full execution cycle.
func (w *Worker) RunOnce(ctx context.Context) (Outcome, error) {
	task, err := w.repo.ClaimNextReadyTask(ctx, w.cfg.UserID, w.cfg.WorkerID)
	if errors.Is(err, repository.ErrNoTaskReady) {
		return Outcome{Idle: true}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("claiming next task: %w", err)
	}
	return w.process(ctx, task), nil
}

// logger returns the per-task structured logger every execution
// checkpoint logs through.
func (w *Worker) logger(task models.LlmTask) *slog.Logger {
	return slog.With("worker_id", w.cfg.WorkerID, "task_id", task.TaskID, "task_type", task.TaskType, "attempt", task.Attempt)
}

// process runs one claimed task end to end: contract read, routing,
// backend run, failure classification, validation with optional repair,
// citation persistence, and attempt telemetry.
func (w *Worker) process(ctx context.Context, task models.LlmTask) Outcome {
	attemptStarted := time.Now().UTC()
	metrics.AttemptStarted(task.TaskType)
	log := w.logger(task)
	log.Info("task claimed")

	manifest, taskInput, allowedSourceIDs, articleIndex, err := w.readContract(task)
	if err != nil {
		log.Warn("task input contract unreadable", "error", err)
		w.failTerminal(ctx, task, models.FailureClassInputContractError, err.Error(), nil)
		w.writeAttempt(ctx, task, attemptStarted, nil, false, &failureClassInputContract, nil, "", "")
		return Outcome{TaskID: task.TaskID, Result: "failed", FailureClass: &failureClassInputContract}
	}

	frozen, fallbackReason := routing.ResolveForExecution(rawRouting(taskInput), task.TaskType, w.cfg.RoutingDefaults, time.Now())
	if fallbackReason != "" {
		log.Warn("routing fallback applied", "reason", fallbackReason, "agent", frozen.Agent, "model", frozen.Model)
		if err := w.repo.RecordEvent(ctx, task.TaskID, "routing_fallback_applied", nil, nil, map[string]any{"reason": fallbackReason}); err != nil {
			log.Warn("recording routing fallback event failed", "error", err)
		}
		if err := w.publisher.PublishRoutingFallbackApplied(ctx, events.RoutingFallbackApplied{
			TaskID: task.TaskID, TaskType: task.TaskType, Reason: fallbackReason,
		}); err != nil {
			log.Warn("publishing routing fallback failed", "error", err)
		}
	}

	promptPath := filepath.Join(manifest.Workdir, "input", "task_prompt.txt")
	req := w.buildRunRequest(task, manifest, taskInput, frozen, promptPath, false)

	result, runErr := w.backend.Run(ctx, req)
	if runErr != nil {
		return w.handleBackendError(ctx, task, attemptStarted, runErr)
	}

	if result.TimedOut {
		outcome := w.handleTimeout(ctx, task, attemptStarted, result)
		w.recordArtifacts(ctx, task.TaskID, manifest, false)
		return outcome
	}

	if result.ExitCode != 0 {
		outcome := w.handleNonZeroExit(ctx, task, attemptStarted, frozen, result)
		w.recordArtifacts(ctx, task.TaskID, manifest, false)
		return outcome
	}

	outcome := w.handleSuccessAndMaybeRepair(ctx, task, attemptStarted, manifest, allowedSourceIDs, articleIndex, frozen, req, result)
	w.recordArtifacts(ctx, task.TaskID, manifest, outcome.Result == "succeeded")
	return outcome
}

func (w *Worker) readContract(task models.LlmTask) (workdir.Manifest, workdir.TaskInput, map[string]bool, map[string]workdir.ArticleIndexEntry, error) {
	manifest, err := workdir.ReadManifest(task.InputManifestPath)
	if err != nil {
		return workdir.Manifest{}, workdir.TaskInput{}, nil, nil, fmt.Errorf("reading task manifest: %w", err)
	}
	taskInput, err := workdir.ReadTaskInput(manifest.TaskInputPath)
	if err != nil {
		return workdir.Manifest{}, workdir.TaskInput{}, nil, nil, fmt.Errorf("reading task input: %w", err)
	}
	entries, err := workdir.ReadArticlesIndex(manifest.ArticlesIndexPath)
	if err != nil {
		return workdir.Manifest{}, workdir.TaskInput{}, nil, nil, fmt.Errorf("reading articles index: %w", err)
	}
	allowed := make(map[string]bool, len(entries))
	index := make(map[string]workdir.ArticleIndexEntry, len(entries))
	for _, entry := range entries {
		allowed[entry.SourceID] = true
		index[entry.SourceID] = entry
	}
	return manifest, taskInput, allowed, index, nil
}

func rawRouting(taskInput workdir.TaskInput) map[string]any {
	raw, _ := taskInput.Metadata["routing"].(map[string]any)
	return raw
}

func (w *Worker) buildRunRequest(task models.LlmTask, manifest workdir.Manifest, taskInput workdir.TaskInput, frozen routing.Frozen, promptPath string, repairMode bool) backend.RunRequest {
	return backend.RunRequest{
		TaskID:           task.TaskID,
		Agent:            frozen.Agent,
		Model:            frozen.Model,
		ModelProfile:     frozen.Profile,
		CommandTemplate:  frozen.CommandTemplate,
		Prompt:           taskInput.Prompt,
		PromptFilePath:   promptPath,
		TaskManifestPath: task.InputManifestPath,
		Workdir:          manifest.Workdir,
		StdoutPath:       manifest.OutputStdoutPath,
		StderrPath:       manifest.OutputStderrPath,
		Timeout:          time.Duration(task.TimeoutSeconds) * time.Second,
		RepairMode:       repairMode,
	}
}

var failureClassInputContract = models.FailureClassInputContractError

// handleBackendError routes a spawn failure: a transient RunError
// follows the retry policy, non-transient is terminal.
func (w *Worker) handleBackendError(ctx context.Context, task models.LlmTask, attemptStarted time.Time, runErr error) Outcome {
	var be *backend.RunError
	transient := errors.As(runErr, &be) && be.Transient
	class := models.FailureClassBackendNonRetryable
	if transient {
		class = models.FailureClassBackendTransient
	}
	w.logger(task).Warn("backend spawn failed", "transient", transient, "error", runErr)

	retried := w.scheduleRetryOrFail(ctx, task, class, runErr.Error(), nil, task.TimeoutSeconds)
	w.writeAttempt(ctx, task, attemptStarted, nil, false, &class, nil, "", runErr.Error())
	return Outcome{TaskID: task.TaskID, Result: outcomeResult(retried, class), FailureClass: &class}
}

// handleTimeout retries with a grown timeout, capped at
// TimeoutRetryCap.
func (w *Worker) handleTimeout(ctx context.Context, task models.LlmTask, attemptStarted time.Time, result backend.RunResult) Outcome {
	class := models.FailureClassTimeout
	nextTimeout := int(math.Min(float64(task.TimeoutSeconds)*1.5, w.cfg.TimeoutRetryCap.Seconds()))
	exitCode := result.ExitCode
	w.logger(task).Warn("backend timed out", "timeout_seconds", task.TimeoutSeconds, "next_timeout_seconds", nextTimeout)
	retried := w.scheduleRetryOrFail(ctx, task, class, "backend execution timed out", &exitCode, nextTimeout)
	w.writeAttempt(ctx, task, attemptStarted, &exitCode, true, &class, nil, preview(result.Stdout, w.cfg.PreviewChars), preview(result.Stderr, w.cfg.PreviewChars))
	return Outcome{TaskID: task.TaskID, Result: outcomeResult(retried, class), FailureClass: &class}
}

// handleNonZeroExit classifies the failure from the sanitized output
// and applies the retry policy.
func (w *Worker) handleNonZeroExit(ctx context.Context, task models.LlmTask, attemptStarted time.Time, frozen routing.Frozen, result backend.RunResult) Outcome {
	classification := classifier.Classify(frozen.Agent, result.ExitCode, result.Stdout, result.Stderr, w.cfg.TransientExitCodes)
	exitCode := result.ExitCode
	log := w.logger(task)
	log.Warn("backend exited nonzero", "exit_code", exitCode, "failure_class", classification.FailureClass, "matched_rule", classification.MatchedRule)
	if err := w.repo.RecordEvent(ctx, task.TaskID, "backend_failure_classified", nil, nil, classification.EventDetails(frozen.Agent, frozen.Model)); err != nil {
		log.Warn("recording failure classification event failed", "error", err)
	}

	retried := w.scheduleRetryOrFail(ctx, task, classification.FailureClass, classificationSummary(classification), &exitCode, task.TimeoutSeconds)
	w.writeAttempt(ctx, task, attemptStarted, &exitCode, false, &classification.FailureClass, nil, preview(result.Stdout, w.cfg.PreviewChars), preview(result.Stderr, w.cfg.PreviewChars))
	return Outcome{TaskID: task.TaskID, Result: outcomeResult(retried, classification.FailureClass), FailureClass: &classification.FailureClass}
}

func classificationSummary(r classifier.Result) string {
	if r.MatchedPattern != "" {
		return fmt.Sprintf("%s: matched pattern %q via rule %s", r.FailureClass, r.MatchedPattern, r.MatchedRule)
	}
	return fmt.Sprintf("%s: rule %s", r.FailureClass, r.MatchedRule)
}

// handleSuccessAndMaybeRepair validates the output, repairs at most
// once when allowed, persists citations, and completes the task.
func (w *Worker) handleSuccessAndMaybeRepair(ctx context.Context, task models.LlmTask, attemptStarted time.Time, manifest workdir.Manifest, allowedSourceIDs map[string]bool, articleIndex map[string]workdir.ArticleIndexEntry, frozen routing.Frozen, firstReq backend.RunRequest, firstResult backend.RunResult) Outcome {
	exitCode := firstResult.ExitCode
	validation := validator.Validate(task.TaskType, manifest.OutputResultPath, allowedSourceIDs)
	totalStdout, totalStderr := firstResult.Stdout, firstResult.Stderr
	totalDuration := firstResult.Duration
	log := w.logger(task)

	if !validation.IsValid && models.RepairableFailureClasses[*validation.FailureClass] && task.RepairAttemptedAt == nil {
		marked, err := w.repo.MarkRepairAttempted(ctx, task.TaskID)
		if err != nil {
			log.Warn("marking repair attempted failed", "error", err)
		}
		if err == nil && marked {
			log.Info("attempting output repair", "failure_class", *validation.FailureClass)
			repairReq := firstReq
			repairReq.RepairMode = true
			repairResult, repairErr := w.backend.Run(ctx, repairReq)
			if repairErr == nil {
				exitCode = repairResult.ExitCode
				totalStdout, totalStderr = repairResult.Stdout, repairResult.Stderr
				totalDuration += repairResult.Duration
				if !repairResult.TimedOut && repairResult.ExitCode == 0 {
					validation = validator.Validate(task.TaskType, manifest.OutputResultPath, allowedSourceIDs)
				} else {
					validation.IsValid = false
					class := models.FailureClassBackendNonRetryable
					validation.FailureClass = &class
					validation.ErrorSummary = "repair attempt did not produce a usable result"
				}
			} else {
				validation.IsValid = false
				class := models.FailureClassBackendNonRetryable
				validation.FailureClass = &class
				validation.ErrorSummary = fmt.Sprintf("repair attempt failed to execute: %v", repairErr)
			}
		}
	}

	if !validation.IsValid {
		log.Warn("output validation failed", "failure_class", *validation.FailureClass, "summary", validation.ErrorSummary)
		w.failTerminal(ctx, task, *validation.FailureClass, validation.ErrorSummary, &exitCode)
		w.writeAttempt(ctx, task, attemptStarted, &exitCode, false, validation.FailureClass, nil, preview(totalStdout, w.cfg.PreviewChars), preview(totalStderr, w.cfg.PreviewChars))
		return Outcome{TaskID: task.TaskID, Result: "failed", FailureClass: validation.FailureClass}
	}

	if _, isRecap := recapCitationExemptTaskTypes[task.TaskType]; !isRecap {
		snapshots := buildCitationSnapshots(task.TaskID, validation.Payload, articleIndex)
		if err := w.repo.PersistOutputCitationSnapshots(ctx, task.TaskID, snapshots); err != nil {
			class := models.FailureClassBackendNonRetryable
			summary := fmt.Sprintf("citation snapshot persistence failed: %v", err)
			log.Error("citation snapshot persistence failed", "error", err)
			w.failTerminal(ctx, task, class, summary, &exitCode)
			w.writeAttempt(ctx, task, attemptStarted, &exitCode, false, &class, nil, preview(totalStdout, w.cfg.PreviewChars), preview(totalStderr, w.cfg.PreviewChars))
			return Outcome{TaskID: task.TaskID, Result: "failed", FailureClass: &class}
		}
	}

	ok, err := w.repo.CompleteTask(ctx, task.TaskID, manifest.OutputResultPath)
	if err != nil || !ok {
		class := models.FailureClassBackendNonRetryable
		summary := "completing task failed or task state changed concurrently"
		if err != nil {
			summary = err.Error()
		}
		log.Error("completing task failed", "error", err, "cas_ok", ok)
		w.failTerminal(ctx, task, class, summary, &exitCode)
		w.writeAttempt(ctx, task, attemptStarted, &exitCode, false, &class, nil, preview(totalStdout, w.cfg.PreviewChars), preview(totalStderr, w.cfg.PreviewChars))
		return Outcome{TaskID: task.TaskID, Result: "failed", FailureClass: &class}
	}

	inputTokens, outputTokens, usageSource := extractUsage(validation.Payload)
	cost := estimateCostUSD(inputTokens, outputTokens, w.cfg.InputRatePerMillion, w.cfg.OutputRatePerMillion)
	w.writeAttemptFull(ctx, task, attemptStarted, &exitCode, false, nil, inputTokens, outputTokens, cost, usageSource, totalDuration, preview(totalStdout, w.cfg.PreviewChars), preview(totalStderr, w.cfg.PreviewChars))
	log.Info("task succeeded", "duration_ms", totalDuration.Milliseconds())
	if err := w.publisher.PublishTaskStatusChanged(ctx, events.TaskStatusChanged{
		TaskID: task.TaskID, UserID: task.UserID, TaskType: task.TaskType, ToStatus: string(models.TaskStatusSucceeded),
	}); err != nil {
		log.Warn("publishing task status failed", "error", err)
	}
	return Outcome{TaskID: task.TaskID, Result: "succeeded"}
}

// recapCitationExemptTaskTypes mirrors validator.recapTaskTypes: recap_
// tasks never create citation snapshots.
var recapCitationExemptTaskTypes = map[string]bool{
	"recap_classify":    true,
	"recap_enrich":      true,
	"recap_group":       true,
	"recap_enrich_full": true,
	"recap_synthesize":  true,
	"recap_compose":     true,
}

// buildCitationSnapshots builds one OutputCitationSnapshot per distinct
// source_id appearing in any block, preserving block order.
func buildCitationSnapshots(taskID string, payload map[string]any, index map[string]workdir.ArticleIndexEntry) []models.OutputCitationSnapshot {
	sourceIDs := validator.ExtractOrderedBlockSourceIDs(payload)
	snapshots := make([]models.OutputCitationSnapshot, 0, len(sourceIDs))
	for _, sourceID := range sourceIDs {
		entry, ok := index[sourceID]
		if !ok {
			continue
		}
		var publishedAt *time.Time
		if entry.PublishedAt != nil {
			if t, err := time.Parse(time.RFC3339, *entry.PublishedAt); err == nil {
				publishedAt = &t
			}
		}
		snapshots = append(snapshots, models.OutputCitationSnapshot{
			TaskID:      taskID,
			SourceID:    sourceID,
			ArticleID:   articleIDFromSourceID(sourceID),
			Title:       entry.Title,
			URL:         entry.URL,
			Source:      entry.Source,
			PublishedAt: publishedAt,
		})
	}
	return snapshots
}

// articleIDFromSourceID extracts the bare article id from a source_id
// of the form "article:<uuid>". A source_id without that prefix (or
// with nothing after it) carries no article reference, so the snapshot
// keeps a nil article_id instead of storing the raw source_id.
func articleIDFromSourceID(sourceID string) *string {
	const prefix = "article:"
	if !strings.HasPrefix(sourceID, prefix) {
		return nil
	}
	articleID := strings.TrimSpace(strings.TrimPrefix(sourceID, prefix))
	if articleID == "" {
		return nil
	}
	return &articleID
}

// scheduleRetryOrFail applies the retry policy: retryable
// iff failureClass is in RetryableFailureClasses and attempt < max_attempts.
// Returns true if the task was rescheduled for retry, false if it was
// failed terminally.
func (w *Worker) scheduleRetryOrFail(ctx context.Context, task models.LlmTask, class models.FailureClass, errorSummary string, lastExitCode *int, nextTimeoutSeconds int) bool {
	log := w.logger(task)
	if models.RetryableFailureClasses[class] && task.Attempt < task.MaxAttempts {
		delay := w.retryDelay(task.Attempt)
		runAfter := time.Now().UTC().Add(delay)
		ok, err := w.repo.ScheduleRetry(ctx, task.TaskID, runAfter, nextTimeoutSeconds, class, errorSummary, lastExitCode)
		if err != nil {
			log.Warn("scheduling retry failed", "error", err)
		}
		if err == nil && ok {
			log.Info("retry scheduled", "failure_class", class, "delay", delay, "run_after", runAfter)
			return true
		}
	}

	status := models.TaskStatusFailed
	if class == models.FailureClassTimeout {
		status = models.TaskStatusTimeout
	}
	log.Warn("task failed terminally", "status", status, "failure_class", class, "summary", errorSummary)
	if _, err := w.repo.FailTask(ctx, task.TaskID, status, class, errorSummary, lastExitCode); err != nil {
		log.Warn("marking task failed errored", "error", err)
	}
	classStr := string(class)
	if err := w.publisher.PublishTaskStatusChanged(ctx, events.TaskStatusChanged{
		TaskID: task.TaskID, UserID: task.UserID, TaskType: task.TaskType,
		ToStatus: string(status), FailureClass: &classStr,
	}); err != nil {
		log.Warn("publishing task status failed", "error", err)
	}
	return false
}

func (w *Worker) failTerminal(ctx context.Context, task models.LlmTask, class models.FailureClass, errorSummary string, lastExitCode *int) {
	log := w.logger(task)
	if _, err := w.repo.FailTask(ctx, task.TaskID, models.TaskStatusFailed, class, errorSummary, lastExitCode); err != nil {
		log.Warn("marking task failed errored", "error", err)
	}
	classStr := string(class)
	if err := w.publisher.PublishTaskStatusChanged(ctx, events.TaskStatusChanged{
		TaskID: task.TaskID, UserID: task.UserID, TaskType: task.TaskType,
		ToStatus: string(models.TaskStatusFailed), FailureClass: &classStr,
	}); err != nil {
		log.Warn("publishing task status failed", "error", err)
	}
}

// retryDelay implements "uniform random in [0, cap] where cap =
// min(retry_max, retry_base * 2^(attempt-1))".
func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	grown := float64(w.cfg.RetryBase) * math.Pow(2, float64(attempt-1))
	delayCap := time.Duration(math.Min(grown, float64(w.cfg.RetryMax)))
	if delayCap <= 0 {
		return 0
	}
	return time.Duration(mathrand.Int64N(int64(delayCap) + 1))
}

func attemptStatus(failureClass *models.FailureClass, timedOut bool) string {
	switch {
	case failureClass == nil:
		return "succeeded"
	case timedOut:
		return "timeout"
	default:
		return "failed"
	}
}

func attemptFailureClass(failureClass *models.FailureClass) string {
	if failureClass == nil {
		return ""
	}
	return string(*failureClass)
}

func outcomeResult(retried bool, class models.FailureClass) string {
	if retried {
		return "retried"
	}
	if class == models.FailureClassTimeout {
		return "timeout"
	}
	return "failed"
}

func preview(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func (w *Worker) writeAttempt(ctx context.Context, task models.LlmTask, startedAt time.Time, exitCode *int, timedOut bool, failureClass *models.FailureClass, failureCode *string, stdoutPreview, stderrPreview string) {
	w.writeAttemptFull(ctx, task, startedAt, exitCode, timedOut, failureClass, nil, nil, nil, "", time.Since(startedAt), stdoutPreview, stderrPreview)
}

func (w *Worker) writeAttemptFull(ctx context.Context, task models.LlmTask, startedAt time.Time, exitCode *int, timedOut bool, failureClass *models.FailureClass, inputTokens, outputTokens *int64, estimatedCost *float64, usageSource string, duration time.Duration, stdoutPreview, stderrPreview string) {
	finishedAt := startedAt.Add(duration)
	metrics.AttemptFinished(task.TaskType, attemptStatus(failureClass, timedOut), attemptFailureClass(failureClass), duration.Seconds())
	err := w.repo.AddAttempt(ctx, models.LlmTaskAttempt{
		TaskID:           task.TaskID,
		Attempt:          task.Attempt,
		StartedAt:        startedAt,
		FinishedAt:       finishedAt,
		DurationMs:       duration.Milliseconds(),
		ExitCode:         exitCode,
		TimedOut:         timedOut,
		FailureClass:     failureClass,
		FailureCode:      nil,
		StdoutPreview:    stdoutPreview,
		StderrPreview:    stderrPreview,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		EstimatedCostUSD: estimatedCost,
		UsageSource:      usageSource,
		ParserVersion:    classifier.Version,
	})
	if err != nil {
		w.logger(task).Warn("recording attempt telemetry failed", "error", err)
	}
}
