package repository

import (
	"context"
	"fmt"

	"github.com/andgineer/news-recap/internal/models"
)

// PersistOutputCitationSnapshots stores the immutable per-task citation
// metadata snapshot built by the queue worker after a successful
// validation pass. Snapshots are not re-derived from the live articles
// table later, so a subsequent GC or article edit cannot change what a
// past output cited.
func (r *Repository) PersistOutputCitationSnapshots(ctx context.Context, taskID string, snapshots []models.OutputCitationSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning citation snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, snap := range snapshots {
		// article_id goes through a subselect so a citation for an
		// article that was never ingested (or already GC'd) stores NULL
		// instead of tripping the foreign key.
		_, err := tx.Exec(ctx, `
			INSERT INTO output_citation_snapshots (task_id, source_id, article_id, title, url, source, published_at)
			VALUES ($1,$2,(SELECT article_id FROM articles WHERE article_id = $3),$4,$5,$6,$7)
			ON CONFLICT (task_id, source_id) DO NOTHING`,
			taskID, snap.SourceID, snap.ArticleID, snap.Title, snap.URL, snap.Source, snap.PublishedAt)
		if err != nil {
			return fmt.Errorf("persisting citation snapshot %s/%s: %w", taskID, snap.SourceID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing citation snapshots: %w", err)
	}
	return nil
}

// ListOutputCitations returns the citation snapshot for a task, ordered
// by source_id.
func (r *Repository) ListOutputCitations(ctx context.Context, taskID string) ([]models.OutputCitationSnapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id, source_id, article_id, title, url, source, published_at
		FROM output_citation_snapshots WHERE task_id = $1 ORDER BY source_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing citations for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var snaps []models.OutputCitationSnapshot
	for rows.Next() {
		var s models.OutputCitationSnapshot
		if err := rows.Scan(&s.TaskID, &s.SourceID, &s.ArticleID, &s.Title, &s.URL, &s.Source, &s.PublishedAt); err != nil {
			return nil, fmt.Errorf("scanning citation: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
