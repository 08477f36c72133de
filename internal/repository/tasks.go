package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnqueueTask inserts a new queued task and its "enqueued" audit event.
func (r *Repository) EnqueueTask(ctx context.Context, payload models.LlmTaskCreate) (models.LlmTask, error) {
	now := time.Now().UTC()
	taskID := payload.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	runAfter := payload.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.LlmTask{}, fmt.Errorf("beginning enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO llm_tasks (
			task_id, user_id, task_type, priority, status, attempt, max_attempts,
			timeout_seconds, run_after, input_manifest_path, created_at, updated_at
		) VALUES ($1,$2,$3,$4,'queued',0,$5,$6,$7,$8,$9,$9)`,
		taskID, payload.UserID, payload.TaskType, payload.Priority, payload.MaxAttempts,
		payload.TimeoutSeconds, runAfter, payload.InputManifestPath, now,
	)
	if err != nil {
		return models.LlmTask{}, fmt.Errorf("inserting task: %w", err)
	}

	if err := addEvent(ctx, tx, taskID, "enqueued", nil, statusPtr(models.TaskStatusQueued), map[string]any{
		"task_type": payload.TaskType, "priority": payload.Priority,
		"max_attempts": payload.MaxAttempts, "timeout_seconds": payload.TimeoutSeconds,
	}); err != nil {
		return models.LlmTask{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.LlmTask{}, fmt.Errorf("committing enqueue: %w", err)
	}
	return r.GetTask(ctx, taskID)
}

// ClaimNextReadyTask atomically claims the highest-priority, earliest
// runnable queued task for userID. It retries the select-then-CAS-update
// loop when a concurrent worker wins the race on the same candidate.
func (r *Repository) ClaimNextReadyTask(ctx context.Context, userID, workerID string) (models.LlmTask, error) {
	for {
		now := time.Now().UTC()
		var candidateID string
		err := r.pool.QueryRow(ctx, `
			SELECT task_id FROM llm_tasks
			WHERE user_id = $1 AND status = 'queued' AND run_after <= $2
			ORDER BY priority ASC, run_after ASC, created_at ASC
			LIMIT 1`, userID, now,
		).Scan(&candidateID)
		if err == pgx.ErrNoRows {
			return models.LlmTask{}, ErrNoTaskReady
		}
		if err != nil {
			return models.LlmTask{}, fmt.Errorf("selecting claim candidate: %w", err)
		}

		tag, err := r.pool.Exec(ctx, `
			UPDATE llm_tasks SET
				status = 'running', attempt = attempt + 1, started_at = $3,
				heartbeat_at = $3, finished_at = NULL, failure_class = NULL,
				error_summary = NULL, last_exit_code = NULL, worker_id = $4, updated_at = $3
			WHERE task_id = $1 AND user_id = $2 AND status = 'queued'`,
			candidateID, userID, now, workerID,
		)
		if err != nil {
			return models.LlmTask{}, fmt.Errorf("claiming task %s: %w", candidateID, err)
		}
		if tag.RowsAffected() != 1 {
			continue
		}

		claimed, err := r.GetTask(ctx, candidateID)
		if err != nil {
			return models.LlmTask{}, err
		}
		if err := r.addEventStandalone(ctx, candidateID, "claimed", statusPtr(models.TaskStatusQueued), statusPtr(models.TaskStatusRunning), map[string]any{
			"worker_id": workerID, "attempt": claimed.Attempt,
		}); err != nil {
			return models.LlmTask{}, err
		}
		return claimed, nil
	}
}

// TouchTask refreshes a running task's heartbeat. No-op if the task is
// no longer running (e.g. it was just canceled or timed out).
func (r *Repository) TouchTask(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE llm_tasks SET heartbeat_at = $2, updated_at = $2
		WHERE task_id = $1 AND status = 'running'`, taskID, now)
	if err != nil {
		return fmt.Errorf("touching task %s: %w", taskID, err)
	}
	return nil
}

// MarkRepairAttempted records the single in-attempt repair pass a
// running task is allowed. Returns false if the task is no longer
// running (already finished or retried).
func (r *Repository) MarkRepairAttempted(ctx context.Context, taskID string) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE llm_tasks SET repair_attempted_at = $2, updated_at = $2
		WHERE task_id = $1 AND status = 'running'`, taskID, now)
	if err != nil {
		return false, fmt.Errorf("marking repair attempted for %s: %w", taskID, err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := r.addEventStandalone(ctx, taskID, "repair_attempted", statusPtr(models.TaskStatusRunning), statusPtr(models.TaskStatusRunning), map[string]any{}); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteTask marks a running task succeeded. Returns false if the
// task was no longer running (concurrent cancel/timeout already moved it).
func (r *Repository) CompleteTask(ctx context.Context, taskID, outputPath string) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE llm_tasks SET status = 'succeeded', finished_at = $2, heartbeat_at = $2,
			output_path = $3, updated_at = $2
		WHERE task_id = $1 AND status = 'running'`, taskID, now, outputPath)
	if err != nil {
		return false, fmt.Errorf("completing task %s: %w", taskID, err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := r.addEventStandalone(ctx, taskID, "succeeded", statusPtr(models.TaskStatusRunning), statusPtr(models.TaskStatusSucceeded), map[string]any{
		"output_path": outputPath,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// FailTask marks a running task failed or timed out (status must be one
// of those two terminal values). Returns false on a concurrent status change.
func (r *Repository) FailTask(ctx context.Context, taskID string, status models.TaskStatus, failureClass models.FailureClass, errorSummary string, lastExitCode *int) (bool, error) {
	if status != models.TaskStatusFailed && status != models.TaskStatusTimeout {
		return false, fmt.Errorf("unsupported failure status: %s", status)
	}
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE llm_tasks SET status = $2, failure_class = $3, error_summary = $4,
			last_exit_code = $5, finished_at = $6, heartbeat_at = $6, updated_at = $6
		WHERE task_id = $1 AND status = 'running'`,
		taskID, status, failureClass, errorSummary, lastExitCode, now)
	if err != nil {
		return false, fmt.Errorf("failing task %s: %w", taskID, err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := r.addEventStandalone(ctx, taskID, "failed", statusPtr(models.TaskStatusRunning), statusPtr(status), map[string]any{
		"failure_class": failureClass, "last_exit_code": lastExitCode, "error_summary": errorSummary,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// ScheduleRetry requeues a running task for automatic retry at run_after
// with a (possibly grown) timeout, clearing attempt-scoped fields.
func (r *Repository) ScheduleRetry(ctx context.Context, taskID string, runAfter time.Time, timeoutSeconds int, failureClass models.FailureClass, errorSummary string, lastExitCode *int) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE llm_tasks SET status = 'queued', run_after = $2, timeout_seconds = $3,
			failure_class = $4, error_summary = $5, last_exit_code = $6,
			started_at = NULL, finished_at = NULL, heartbeat_at = NULL,
			worker_id = NULL, repair_attempted_at = NULL, updated_at = $7
		WHERE task_id = $1 AND status = 'running'`,
		taskID, runAfter, timeoutSeconds, failureClass, errorSummary, lastExitCode, now)
	if err != nil {
		return false, fmt.Errorf("scheduling retry for %s: %w", taskID, err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := r.addEventStandalone(ctx, taskID, "retry_scheduled", statusPtr(models.TaskStatusRunning), statusPtr(models.TaskStatusQueued), map[string]any{
		"run_after": runAfter.Format(time.RFC3339), "timeout_seconds": timeoutSeconds, "failure_class": failureClass,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// RetryTask is the manual operator retry path: failed/timeout/canceled
// tasks only, resets the task to queued immediately.
func (r *Repository) RetryTask(ctx context.Context, taskID string) error {
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case models.TaskStatusFailed, models.TaskStatusTimeout, models.TaskStatusCanceled:
	default:
		return fmt.Errorf("only failed/timeout/canceled tasks can be retried manually, got %s", task.Status)
	}

	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE llm_tasks SET status = 'queued', run_after = $2, finished_at = NULL,
			started_at = NULL, heartbeat_at = NULL, failure_class = NULL,
			error_summary = NULL, last_exit_code = NULL, repair_attempted_at = NULL,
			worker_id = NULL, updated_at = $2
		WHERE task_id = $1 AND status = $3`, taskID, now, task.Status)
	if err != nil {
		return fmt.Errorf("retrying task %s: %w", taskID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("task state changed concurrently while retrying; please retry command (task_id=%s)", taskID)
	}
	return r.addEventStandalone(ctx, taskID, "manual_retry", statusPtr(task.Status), statusPtr(models.TaskStatusQueued), map[string]any{})
}

// CancelTask cancels a queued or running task.
func (r *Repository) CancelTask(ctx context.Context, taskID string) error {
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusQueued && task.Status != models.TaskStatusRunning {
		return fmt.Errorf("task cannot be canceled from status=%s", task.Status)
	}

	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE llm_tasks SET status = 'canceled', finished_at = $2, heartbeat_at = $2, updated_at = $2
		WHERE task_id = $1 AND status = $3`, taskID, now, task.Status)
	if err != nil {
		return fmt.Errorf("canceling task %s: %w", taskID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("task state changed concurrently while canceling; please retry command (task_id=%s)", taskID)
	}
	return r.addEventStandalone(ctx, taskID, "canceled", statusPtr(task.Status), statusPtr(models.TaskStatusCanceled), map[string]any{})
}

// RecoverStaleRunningTasks requeues running tasks whose heartbeat is
// older than staleAfter, so a crashed worker's claim doesn't strand a
// task forever. Returns the recovered task_ids.
func (r *Repository) RecoverStaleRunningTasks(ctx context.Context, staleAfter time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE llm_tasks SET status = 'queued', started_at = NULL, heartbeat_at = NULL,
			worker_id = NULL, updated_at = now()
		WHERE status = 'running' AND heartbeat_at < $1
		RETURNING task_id`, staleAfter)
	if err != nil {
		return nil, fmt.Errorf("recovering stale tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning recovered task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		_ = r.addEventStandalone(ctx, id, "stale_recovered", statusPtr(models.TaskStatusRunning), statusPtr(models.TaskStatusQueued), map[string]any{})
	}
	return ids, nil
}

// GetTask loads one task by id.
func (r *Repository) GetTask(ctx context.Context, taskID string) (models.LlmTask, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT task_id, user_id, task_type, priority, status, attempt, max_attempts,
		       timeout_seconds, run_after, started_at, heartbeat_at, finished_at,
		       failure_class, last_exit_code, repair_attempted_at, worker_id,
		       input_manifest_path, output_path, error_summary, created_at, updated_at
		FROM llm_tasks WHERE task_id = $1`, taskID)
	var t models.LlmTask
	if err := row.Scan(&t.TaskID, &t.UserID, &t.TaskType, &t.Priority, &t.Status, &t.Attempt,
		&t.MaxAttempts, &t.TimeoutSeconds, &t.RunAfter, &t.StartedAt, &t.HeartbeatAt, &t.FinishedAt,
		&t.FailureClass, &t.LastExitCode, &t.RepairAttemptedAt, &t.WorkerID, &t.InputManifestPath,
		&t.OutputPath, &t.ErrorSummary, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.LlmTask{}, ErrNotFound
		}
		return models.LlmTask{}, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	return t, nil
}

// ListTasks lists recent tasks for a user, optionally filtered by status.
func (r *Repository) ListTasks(ctx context.Context, userID string, status *models.TaskStatus, limit int) ([]models.LlmTask, error) {
	var rows pgx.Rows
	var err error
	if status != nil {
		rows, err = r.pool.Query(ctx, `
			SELECT task_id, user_id, task_type, priority, status, attempt, max_attempts,
			       timeout_seconds, run_after, started_at, heartbeat_at, finished_at,
			       failure_class, last_exit_code, repair_attempted_at, worker_id,
			       input_manifest_path, output_path, error_summary, created_at, updated_at
			FROM llm_tasks WHERE user_id = $1 AND status = $2
			ORDER BY created_at DESC LIMIT $3`, userID, *status, limit)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT task_id, user_id, task_type, priority, status, attempt, max_attempts,
			       timeout_seconds, run_after, started_at, heartbeat_at, finished_at,
			       failure_class, last_exit_code, repair_attempted_at, worker_id,
			       input_manifest_path, output_path, error_summary, created_at, updated_at
			FROM llm_tasks WHERE user_id = $1
			ORDER BY created_at DESC LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.LlmTask
	for rows.Next() {
		var t models.LlmTask
		if err := rows.Scan(&t.TaskID, &t.UserID, &t.TaskType, &t.Priority, &t.Status, &t.Attempt,
			&t.MaxAttempts, &t.TimeoutSeconds, &t.RunAfter, &t.StartedAt, &t.HeartbeatAt, &t.FinishedAt,
			&t.FailureClass, &t.LastExitCode, &t.RepairAttemptedAt, &t.WorkerID, &t.InputManifestPath,
			&t.OutputPath, &t.ErrorSummary, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AddArtifact records a persisted output/log file pointer for a task.
func (r *Repository) AddArtifact(ctx context.Context, artifact models.LlmTaskArtifact) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO llm_task_artifacts (task_id, kind, path, size_bytes, checksum)
		VALUES ($1, $2, $3, $4, $5)`,
		artifact.TaskID, artifact.Kind, artifact.Path, artifact.SizeBytes, artifact.Checksum)
	if err != nil {
		return fmt.Errorf("adding artifact for task %s: %w", artifact.TaskID, err)
	}
	return nil
}

// AddAttempt records per-attempt execution telemetry.
func (r *Repository) AddAttempt(ctx context.Context, attempt models.LlmTaskAttempt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO llm_task_attempts (
			task_id, attempt, started_at, finished_at, duration_ms, exit_code, timed_out,
			failure_class, failure_code, stdout_preview, stderr_preview, input_tokens,
			output_tokens, estimated_cost_usd, usage_source, parser_version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (task_id, attempt) DO NOTHING`,
		attempt.TaskID, attempt.Attempt, attempt.StartedAt, attempt.FinishedAt, attempt.DurationMs,
		attempt.ExitCode, attempt.TimedOut, attempt.FailureClass, attempt.FailureCode,
		attempt.StdoutPreview, attempt.StderrPreview, attempt.InputTokens, attempt.OutputTokens,
		attempt.EstimatedCostUSD, attempt.UsageSource, attempt.ParserVersion)
	if err != nil {
		return fmt.Errorf("adding attempt for task %s: %w", attempt.TaskID, err)
	}
	return nil
}

func statusPtr(s models.TaskStatus) *models.TaskStatus { return &s }

func addEvent(ctx context.Context, tx pgx.Tx, taskID, eventType string, from, to *models.TaskStatus, details map[string]any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshaling event details: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO llm_task_events (task_id, event_type, status_from, status_to, details)
		VALUES ($1, $2, $3, $4, $5)`, taskID, eventType, from, to, raw)
	if err != nil {
		return fmt.Errorf("recording event %s for task %s: %w", eventType, taskID, err)
	}
	return nil
}

func (r *Repository) addEventStandalone(ctx context.Context, taskID, eventType string, from, to *models.TaskStatus, details map[string]any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshaling event details: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO llm_task_events (task_id, event_type, status_from, status_to, details)
		VALUES ($1, $2, $3, $4, $5)`, taskID, eventType, from, to, raw)
	if err != nil {
		return fmt.Errorf("recording event %s for task %s: %w", eventType, taskID, err)
	}
	return nil
}

// RecordEvent appends a standalone audit event, for callers outside
// this package that don't perform a status transition of their own
// (e.g. the worker's routing_fallback_applied event).
func (r *Repository) RecordEvent(ctx context.Context, taskID, eventType string, from, to *models.TaskStatus, details map[string]any) error {
	return r.addEventStandalone(ctx, taskID, eventType, from, to, details)
}

// ListTaskEvents returns the audit trail for a task in chronological order.
func (r *Repository) ListTaskEvents(ctx context.Context, taskID string) ([]models.LlmTaskEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, task_id, event_type, status_from, status_to, details, created_at
		FROM llm_task_events WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []models.LlmTaskEvent
	for rows.Next() {
		var e models.LlmTaskEvent
		var raw []byte
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.EventType, &e.StatusFrom, &e.StatusTo, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshaling event details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
