package repository

import (
	"context"
	"fmt"
	"time"
)

// PruneUserArticles deletes one user's user_articles links discovered
// before cutoff. The shared article rows are left in place: an article
// another user still references must survive, and fully orphaned rows
// are removed by a later GCUnreferencedArticles pass. Returns the
// number of links removed. When dryRun is true, nothing is deleted and
// the would-be count is returned.
func (r *Repository) PruneUserArticles(ctx context.Context, userID string, cutoff time.Time, dryRun bool) (int64, error) {
	if dryRun {
		var count int64
		err := r.pool.QueryRow(ctx, `
			SELECT count(*) FROM user_articles
			WHERE user_id = $1 AND discovered_at < $2`, userID, cutoff).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("counting prunable user articles: %w", err)
		}
		return count, nil
	}

	tag, err := r.pool.Exec(ctx, `
		DELETE FROM user_articles
		WHERE user_id = $1 AND discovered_at < $2`, userID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning user articles: %w", err)
	}
	return tag.RowsAffected(), nil
}
