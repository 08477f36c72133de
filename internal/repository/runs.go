package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// StartRun attempts to insert a new IngestionRun row in the running
// state for (userID, source). The conditional unique
// index on (user_id, source) WHERE status='running' enforces "at most
// one running run"; on conflict this compares the
// existing running row's heartbeat age to staleAfter: if stale, the old
// row is auto-recovered to `failed` and the insert is retried once;
// otherwise ErrRunAlreadyActive is returned, wrapping the live run so
// the caller can report its heartbeat to the operator.
func (r *Repository) StartRun(ctx context.Context, userID, source string, staleAfter time.Duration) (models.IngestionRun, error) {
	run, err := r.tryStartRun(ctx, userID, source)
	if err == nil {
		return run, nil
	}
	if !isUniqueViolation(err) {
		return models.IngestionRun{}, err
	}

	active, lookupErr := r.getRunningRun(ctx, userID, source)
	if lookupErr != nil {
		return models.IngestionRun{}, lookupErr
	}

	if time.Since(active.HeartbeatAt) < staleAfter {
		return models.IngestionRun{}, fmt.Errorf("%w: run %s for %s/%s has been running since %s, heartbeat at %s",
			ErrRunAlreadyActive, active.RunID, userID, source, active.StartedAt, active.HeartbeatAt)
	}

	note := "auto-recovered: superseded by a new run after a stale heartbeat"
	if err := r.FinishRun(ctx, active.RunID, models.RunStatusFailed, models.RunCounters{}, &note, time.Now().UTC()); err != nil {
		return models.IngestionRun{}, fmt.Errorf("auto-recovering stale run %s: %w", active.RunID, err)
	}

	return r.tryStartRun(ctx, userID, source)
}

func (r *Repository) tryStartRun(ctx context.Context, userID, source string) (models.IngestionRun, error) {
	run := models.IngestionRun{
		RunID:       uuid.NewString(),
		UserID:      userID,
		Source:      source,
		Status:      models.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
		HeartbeatAt: time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ingestion_runs (run_id, user_id, source, status, started_at, heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		run.RunID, run.UserID, run.Source, run.Status, run.StartedAt,
	)
	if err != nil {
		return models.IngestionRun{}, fmt.Errorf("starting ingestion run: %w", err)
	}
	return run, nil
}

func (r *Repository) getRunningRun(ctx context.Context, userID, source string) (models.IngestionRun, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT run_id, user_id, source, status, started_at, heartbeat_at
		FROM ingestion_runs WHERE user_id = $1 AND source = $2 AND status = 'running'`, userID, source)
	var run models.IngestionRun
	if err := row.Scan(&run.RunID, &run.UserID, &run.Source, &run.Status, &run.StartedAt, &run.HeartbeatAt); err != nil {
		return models.IngestionRun{}, fmt.Errorf("loading active run for %s/%s: %w", userID, source, err)
	}
	return run, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// TouchRun updates a run's heartbeat only while it is still `running`;
// a no-op otherwise, e.g. a late heartbeat racing a
// concurrent finish or stale-recovery.
func (r *Repository) TouchRun(ctx context.Context, runID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE ingestion_runs SET heartbeat_at = $2 WHERE run_id = $1 AND status = 'running'`, runID, at)
	if err != nil {
		return fmt.Errorf("touching ingestion run %s: %w", runID, err)
	}
	return nil
}

// FinishRun writes the terminal status and counters for a run.
func (r *Repository) FinishRun(ctx context.Context, runID string, status models.RunStatus, counters models.RunCounters, errorSummary *string, finishedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE ingestion_runs SET
			status = $2, finished_at = $3, ingested = $4, updated_count = $5, skipped = $6,
			dedup_clusters = $7, dedup_duplicate = $8, gaps_opened = $9, error_summary = $10
		WHERE run_id = $1`,
		runID, status, finishedAt, counters.Ingested, counters.Updated, counters.Skipped,
		counters.DedupClusters, counters.DedupDuplicate, counters.GapsOpened, errorSummary,
	)
	if err != nil {
		return fmt.Errorf("finishing ingestion run %s: %w", runID, err)
	}
	return nil
}

// RecoverStaleRunningRuns marks runs whose heartbeat is older than
// staleAfter as failed, returning their run_ids, so a restarted
// orchestrator doesn't wait forever on a run a crashed process owned.
func (r *Repository) RecoverStaleRunningRuns(ctx context.Context, staleAfter time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE ingestion_runs SET status = 'failed', finished_at = now(),
			error_summary = 'recovered: heartbeat stale'
		WHERE status = 'running' AND heartbeat_at < $1
		RETURNING run_id`, staleAfter)
	if err != nil {
		return nil, fmt.Errorf("recovering stale ingestion runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning recovered run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateGap records an ingestion gap for later retry.
func (r *Repository) CreateGap(ctx context.Context, gap models.IngestionGap) (int64, error) {
	var gapID int64
	var retrySeconds *int64
	if gap.RetryAfter != nil {
		s := int64(gap.RetryAfter.Seconds())
		retrySeconds = &s
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO ingestion_gaps (user_id, source, from_cursor, to_cursor, error_code, retry_after_seconds, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'open') RETURNING gap_id`,
		gap.UserID, gap.Source, gap.FromCursor, gap.ToCursor, gap.ErrorCode, retrySeconds,
	).Scan(&gapID)
	if err != nil {
		return 0, fmt.Errorf("creating ingestion gap: %w", err)
	}
	return gapID, nil
}

// ListOpenGaps returns open gaps for a (user, source) in FIFO order.
func (r *Repository) ListOpenGaps(ctx context.Context, userID, source string, limit int) ([]models.IngestionGap, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT gap_id, user_id, source, from_cursor, to_cursor, error_code, retry_after_seconds, status, created_at
		FROM ingestion_gaps WHERE user_id = $1 AND source = $2 AND status = 'open'
		ORDER BY gap_id LIMIT $3`, userID, source, limit)
	if err != nil {
		return nil, fmt.Errorf("listing open gaps: %w", err)
	}
	defer rows.Close()

	var gaps []models.IngestionGap
	for rows.Next() {
		var g models.IngestionGap
		var retrySeconds *int64
		if err := rows.Scan(&g.GapID, &g.UserID, &g.Source, &g.FromCursor, &g.ToCursor, &g.ErrorCode, &retrySeconds, &g.Status, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning gap: %w", err)
		}
		if retrySeconds != nil {
			d := time.Duration(*retrySeconds) * time.Second
			g.RetryAfter = &d
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// ResolveGap marks a gap resolved after a successful retry.
func (r *Repository) ResolveGap(ctx context.Context, gapID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE ingestion_gaps SET status = 'resolved' WHERE gap_id = $1 AND status = 'open'`, gapID)
	if err != nil {
		return fmt.Errorf("resolving gap %d: %w", gapID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ExpireGap marks a gap expired once it is no longer worth retrying.
func (r *Repository) ExpireGap(ctx context.Context, gapID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE ingestion_gaps SET status = 'expired' WHERE gap_id = $1`, gapID)
	if err != nil {
		return fmt.Errorf("expiring gap %d: %w", gapID, err)
	}
	return nil
}

// EnsureUser upserts the bare user row referenced by FK-scoped tables.
func (r *Repository) EnsureUser(ctx context.Context, userID, displayName string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (user_id, display_name) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, displayName)
	if err != nil {
		return fmt.Errorf("ensuring user %s: %w", userID, err)
	}
	return nil
}

// ErrNoRows re-exports pgx.ErrNoRows so callers outside this package
// don't need to import pgx just to compare sentinel errors.
var ErrNoRows = pgx.ErrNoRows
