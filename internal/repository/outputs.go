package repository

import (
	"context"
	"fmt"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/google/uuid"
)

// UpsertHighlightsOutput writes (or replaces) the single highlights
// output for a (user, business_date); highlights are keyed by
// (kind, business_date) alone, with no request/monitor/story scope.
func (r *Repository) UpsertHighlightsOutput(ctx context.Context, output models.UserOutput) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning output upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var outputID string
	err = tx.QueryRow(ctx, `
		SELECT output_id FROM user_outputs
		WHERE user_id = $1 AND kind = 'highlights' AND business_date = $2`,
		output.UserID, output.BusinessDate,
	).Scan(&outputID)
	if err == ErrNoRows {
		outputID = uuid.NewString()
		_, err = tx.Exec(ctx, `
			INSERT INTO user_outputs (output_id, user_id, kind, business_date)
			VALUES ($1,$2,'highlights',$3)`, outputID, output.UserID, output.BusinessDate)
		if err != nil {
			return "", fmt.Errorf("inserting highlights output: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("looking up highlights output: %w", err)
	} else {
		_, err = tx.Exec(ctx, `UPDATE user_outputs SET updated_at = now() WHERE output_id = $1`, outputID)
		if err != nil {
			return "", fmt.Errorf("touching highlights output: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM user_output_blocks WHERE output_id = $1`, outputID); err != nil {
		return "", fmt.Errorf("clearing highlights blocks: %w", err)
	}
	for _, block := range output.Blocks {
		blockID := block.BlockID
		if blockID == "" {
			blockID = uuid.NewString()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO user_output_blocks (block_id, output_id, position, text, source_ids)
			VALUES ($1,$2,$3,$4,$5)`,
			blockID, outputID, block.Position, block.Text, block.SourceIDs)
		if err != nil {
			return "", fmt.Errorf("inserting highlights block: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing highlights output: %w", err)
	}
	return outputID, nil
}

// GetOutputWithBlocks loads a UserOutput and its ordered blocks.
func (r *Repository) GetOutputWithBlocks(ctx context.Context, outputID string) (models.UserOutput, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT output_id, user_id, kind, business_date, request_id, monitor_id, story_id, created_at, updated_at
		FROM user_outputs WHERE output_id = $1`, outputID)
	var o models.UserOutput
	if err := row.Scan(&o.OutputID, &o.UserID, &o.Kind, &o.BusinessDate, &o.RequestID, &o.MonitorID, &o.StoryID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == ErrNoRows {
			return models.UserOutput{}, ErrNotFound
		}
		return models.UserOutput{}, fmt.Errorf("loading output %s: %w", outputID, err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT block_id, output_id, position, text, source_ids
		FROM user_output_blocks WHERE output_id = $1 ORDER BY position`, outputID)
	if err != nil {
		return models.UserOutput{}, fmt.Errorf("loading output blocks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b models.UserOutputBlock
		if err := rows.Scan(&b.BlockID, &b.OutputID, &b.Position, &b.Text, &b.SourceIDs); err != nil {
			return models.UserOutput{}, fmt.Errorf("scanning output block: %w", err)
		}
		o.Blocks = append(o.Blocks, b)
	}
	return o, rows.Err()
}

// RecordReadState logs that a user read an output or a specific block.
func (r *Repository) RecordReadState(ctx context.Context, event models.ReadStateEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO read_state_events (user_id, output_id, block_id) VALUES ($1,$2,$3)`,
		event.UserID, event.OutputID, event.BlockID)
	if err != nil {
		return fmt.Errorf("recording read state: %w", err)
	}
	return nil
}

// RecordFeedback logs user engagement feedback on an output or block.
func (r *Repository) RecordFeedback(ctx context.Context, feedback models.OutputFeedback) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO output_feedback (user_id, output_id, block_id, rating, comment)
		VALUES ($1,$2,$3,$4,$5)`,
		feedback.UserID, feedback.OutputID, feedback.BlockID, feedback.Rating, feedback.Comment)
	if err != nil {
		return fmt.Errorf("recording feedback: %w", err)
	}
	return nil
}
