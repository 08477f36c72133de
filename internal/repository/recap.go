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

// StartRecapRun attempts to insert a new RecapRun row in the running
// state for (userID, businessDate), mirroring StartRun's stale-recovery
// semantics: concurrent live pipelines for the same user are rejected
// by the partial unique index on recap_runs(user_id) WHERE
// status='running', after the stale-run guard auto-recovers dead runs.
func (r *Repository) StartRecapRun(ctx context.Context, userID string, businessDate time.Time, staleAfter time.Duration) (models.RecapRun, error) {
	run, err := r.tryStartRecapRun(ctx, userID, businessDate)
	if err == nil {
		return run, nil
	}
	if !isUniqueViolation(err) {
		return models.RecapRun{}, err
	}

	active, lookupErr := r.getRunningRecapRun(ctx, userID)
	if lookupErr != nil {
		return models.RecapRun{}, lookupErr
	}

	if time.Since(active.HeartbeatAt) < staleAfter {
		return models.RecapRun{}, fmt.Errorf("%w: recap run %s for user %s has been running since %s, heartbeat at %s",
			ErrRunAlreadyActive, active.RunID, userID, active.StartedAt, active.HeartbeatAt)
	}

	note := "auto-recovered: superseded by a new recap run after a stale heartbeat"
	if err := r.FinishRecapRun(ctx, active.RunID, models.RecapRunStatusFailed, &note, time.Now().UTC()); err != nil {
		return models.RecapRun{}, fmt.Errorf("auto-recovering stale recap run %s: %w", active.RunID, err)
	}

	return r.tryStartRecapRun(ctx, userID, businessDate)
}

func (r *Repository) tryStartRecapRun(ctx context.Context, userID string, businessDate time.Time) (models.RecapRun, error) {
	run := models.RecapRun{
		RunID:        uuid.NewString(),
		UserID:       userID,
		BusinessDate: businessDate,
		Status:       models.RecapRunStatusRunning,
		CurrentStep:  models.RecapStepClassify,
		StartedAt:    time.Now().UTC(),
		HeartbeatAt:  time.Now().UTC(),
		StepState:    map[string]any{},
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recap_runs (run_id, user_id, business_date, status, current_step, started_at, heartbeat_at, step_state)
		VALUES ($1, $2, $3, $4, $5, $6, $6, '{}')`,
		run.RunID, run.UserID, run.BusinessDate, run.Status, run.CurrentStep, run.StartedAt,
	)
	if err != nil {
		return models.RecapRun{}, fmt.Errorf("starting recap run: %w", err)
	}
	return run, nil
}

func (r *Repository) getRunningRecapRun(ctx context.Context, userID string) (models.RecapRun, error) {
	return r.scanRecapRun(r.pool.QueryRow(ctx, `
		SELECT run_id, user_id, business_date, status, current_step, started_at, heartbeat_at, finished_at, step_state, error_summary
		FROM recap_runs WHERE user_id = $1 AND status = 'running'`, userID))
}

// GetRecapRun loads a recap run by id, used by callers resuming a
// previously interrupted pipeline.
func (r *Repository) GetRecapRun(ctx context.Context, runID string) (models.RecapRun, error) {
	run, err := r.scanRecapRun(r.pool.QueryRow(ctx, `
		SELECT run_id, user_id, business_date, status, current_step, started_at, heartbeat_at, finished_at, step_state, error_summary
		FROM recap_runs WHERE run_id = $1`, runID))
	if err == ErrNoRows {
		return models.RecapRun{}, ErrNotFound
	}
	return run, err
}

func (r *Repository) scanRecapRun(row pgx.Row) (models.RecapRun, error) {
	var run models.RecapRun
	var stepState []byte
	if err := row.Scan(&run.RunID, &run.UserID, &run.BusinessDate, &run.Status, &run.CurrentStep,
		&run.StartedAt, &run.HeartbeatAt, &run.FinishedAt, &stepState, &run.ErrorSummary); err != nil {
		if err == ErrNoRows {
			return models.RecapRun{}, ErrNoRows
		}
		return models.RecapRun{}, fmt.Errorf("scanning recap run: %w", err)
	}
	run.StepState = map[string]any{}
	if len(stepState) > 0 {
		if err := json.Unmarshal(stepState, &run.StepState); err != nil {
			return models.RecapRun{}, fmt.Errorf("decoding recap run step_state: %w", err)
		}
	}
	return run, nil
}

// TouchRecapRun updates a run's heartbeat only while it is still running.
func (r *Repository) TouchRecapRun(ctx context.Context, runID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE recap_runs SET heartbeat_at = $2 WHERE run_id = $1 AND status = 'running'`, runID, at)
	if err != nil {
		return fmt.Errorf("touching recap run %s: %w", runID, err)
	}
	return nil
}

// AdvanceRecapStep records that step completed and the pipeline is now
// at the next step, merging result fields into step_state so a resumed
// coordinator can skip finished steps and re-read their outputs (e.g.
// the classify step's kept/enrich-needing article id lists).
func (r *Repository) AdvanceRecapStep(ctx context.Context, runID string, nextStep models.RecapStep, stepResult map[string]any) error {
	payload, err := json.Marshal(stepResult)
	if err != nil {
		return fmt.Errorf("encoding recap step result: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE recap_runs SET current_step = $2, heartbeat_at = now(),
			step_state = step_state || $3::jsonb
		WHERE run_id = $1 AND status = 'running'`,
		runID, nextStep, payload)
	if err != nil {
		return fmt.Errorf("advancing recap run %s to step %s: %w", runID, nextStep, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FinishRecapRun writes the terminal status for a recap run.
func (r *Repository) FinishRecapRun(ctx context.Context, runID string, status models.RecapRunStatus, errorSummary *string, finishedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE recap_runs SET status = $2, finished_at = $3, error_summary = $4 WHERE run_id = $1`,
		runID, status, finishedAt, errorSummary,
	)
	if err != nil {
		return fmt.Errorf("finishing recap run %s: %w", runID, err)
	}
	return nil
}

// RecoverStaleRunningRecapRuns mirrors RecoverStaleRunningRuns for the
// recap pipeline's running rows.
func (r *Repository) RecoverStaleRunningRecapRuns(ctx context.Context, staleAfter time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE recap_runs SET status = 'failed', finished_at = now(),
			error_summary = 'recovered: heartbeat stale'
		WHERE status = 'running' AND heartbeat_at < $1
		RETURNING run_id`, staleAfter)
	if err != nil {
		return nil, fmt.Errorf("recovering stale recap runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning recovered recap run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
