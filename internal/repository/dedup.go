package repository

import (
	"context"
	"fmt"

	"github.com/andgineer/news-recap/internal/models"
)

// SaveDedupClusters persists a full dedup pass for one (userID, runID),
// first deleting any prior rows for that scope,
// then inserting the given clusters and their membership/alt-source rows.
func (r *Repository) SaveDedupClusters(ctx context.Context, userID, runID string, clusters []models.DedupCluster) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning dedup clusters tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM dedup_clusters WHERE user_id = $1 AND run_id = $2`, userID, runID); err != nil {
		return fmt.Errorf("clearing prior dedup clusters for %s/%s: %w", userID, runID, err)
	}

	for _, cluster := range clusters {
		_, err = tx.Exec(ctx, `
			INSERT INTO dedup_clusters (user_id, run_id, cluster_id, representative_article_id, model_name, threshold)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			userID, runID, cluster.ClusterID, cluster.RepresentativeArticleID, cluster.ModelName, cluster.Threshold)
		if err != nil {
			return fmt.Errorf("inserting dedup cluster %s: %w", cluster.ClusterID, err)
		}

		for _, member := range cluster.Members {
			_, err := tx.Exec(ctx, `
				INSERT INTO dedup_cluster_members (user_id, run_id, cluster_id, article_id, similarity_to_representative, is_representative)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				userID, runID, cluster.ClusterID, member.ArticleID, member.SimilarityToRepresentative, member.IsRepresentative)
			if err != nil {
				return fmt.Errorf("inserting dedup cluster member %s: %w", member.ArticleID, err)
			}
		}

		for _, alt := range cluster.AltSources {
			_, err := tx.Exec(ctx, `
				INSERT INTO dedup_cluster_alt_sources (user_id, run_id, cluster_id, url, domain) VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (user_id, run_id, cluster_id, url) DO NOTHING`,
				userID, runID, cluster.ClusterID, alt.URL, alt.Domain)
			if err != nil {
				return fmt.Errorf("inserting dedup cluster alt source: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing dedup clusters: %w", err)
	}
	return nil
}

// ListDedupClusters returns the clusters persisted for one (userID,
// runID) dedup pass, with members populated.
func (r *Repository) ListDedupClusters(ctx context.Context, userID, runID string) ([]models.DedupCluster, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cluster_id, representative_article_id, model_name, threshold
		FROM dedup_clusters WHERE user_id = $1 AND run_id = $2 ORDER BY cluster_id`, userID, runID)
	if err != nil {
		return nil, fmt.Errorf("listing dedup clusters for %s/%s: %w", userID, runID, err)
	}
	var clusters []models.DedupCluster
	for rows.Next() {
		var c models.DedupCluster
		c.UserID, c.RunID = userID, runID
		if err := rows.Scan(&c.ClusterID, &c.RepresentativeArticleID, &c.ModelName, &c.Threshold); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning dedup cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range clusters {
		memberRows, err := r.pool.Query(ctx, `
			SELECT article_id, similarity_to_representative, is_representative
			FROM dedup_cluster_members WHERE user_id = $1 AND run_id = $2 AND cluster_id = $3
			ORDER BY article_id`, userID, runID, clusters[i].ClusterID)
		if err != nil {
			return nil, fmt.Errorf("listing dedup cluster members: %w", err)
		}
		for memberRows.Next() {
			var m models.ClusterMember
			if err := memberRows.Scan(&m.ArticleID, &m.SimilarityToRepresentative, &m.IsRepresentative); err != nil {
				memberRows.Close()
				return nil, fmt.Errorf("scanning dedup cluster member: %w", err)
			}
			clusters[i].Members = append(clusters[i].Members, m)
		}
		if err := memberRows.Err(); err != nil {
			return nil, err
		}
		memberRows.Close()
	}
	return clusters, nil
}

// GetArticleEmbedding looks up a cached embedding, honoring the TTL
// recorded at write time (an expired row is treated as a cache miss).
func (r *Repository) GetArticleEmbedding(ctx context.Context, articleID, modelName string) (models.ArticleEmbedding, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT article_id, model_name, dim, blob, created_at, expires_at
		FROM article_embeddings
		WHERE article_id = $1 AND model_name = $2 AND (expires_at IS NULL OR expires_at > now())`,
		articleID, modelName)
	var e models.ArticleEmbedding
	if err := row.Scan(&e.ArticleID, &e.ModelName, &e.Dim, &e.Blob, &e.CreatedAt, &e.ExpiresAt); err != nil {
		if err == ErrNoRows {
			return models.ArticleEmbedding{}, false, nil
		}
		return models.ArticleEmbedding{}, false, fmt.Errorf("loading embedding for %s/%s: %w", articleID, modelName, err)
	}
	return e, true, nil
}

// SaveArticleEmbedding caches an embedding vector.
func (r *Repository) SaveArticleEmbedding(ctx context.Context, embedding models.ArticleEmbedding) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO article_embeddings (article_id, model_name, dim, blob, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (article_id, model_name) DO UPDATE SET
			dim = EXCLUDED.dim, blob = EXCLUDED.blob, expires_at = EXCLUDED.expires_at, created_at = now()`,
		embedding.ArticleID, embedding.ModelName, embedding.Dim, embedding.Blob, embedding.ExpiresAt)
	if err != nil {
		return fmt.Errorf("saving embedding for %s/%s: %w", embedding.ArticleID, embedding.ModelName, err)
	}
	return nil
}
