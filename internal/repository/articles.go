package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UpsertArticle reconciles one normalized article against existing
// global storage, resolving identity in order: look up
// by (source_name, external_id) alias first, then, for generated or
// empty external IDs, fall back to (source_name, url_canonical) and
// finally (source_name, fallback_key). A generated external ID is
// promoted to a stable one once the source later supplies it.
//
// Article rows are shared across users; userID only governs the
// UserArticle visibility link. The returned
// action reflects that link: INSERTED when the link was just created
// (first time this user has seen the article, even if the article row
// itself already existed), UPDATED when the shared article row's
// content changed, SKIPPED when the link already existed and nothing
// about the article changed.
func (r *Repository) UpsertArticle(ctx context.Context, userID string, article models.NormalizedArticle, runID string) (models.UpsertResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.UpsertResult{}, fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existingID, err := findExistingArticle(ctx, tx, article)
	if err != nil {
		return models.UpsertResult{}, err
	}

	if existingID == "" {
		existingID = uuid.NewString()
		targetFallback := targetFallbackKey(article, nil)
		_, err := tx.Exec(ctx, `
			INSERT INTO articles (
				article_id, source_name, external_id, url, url_canonical, url_hash,
				title, source_domain, published_at, language_detected, content_raw,
				summary_raw, is_full_content, clean_text, clean_text_chars, is_truncated,
				fallback_key, last_processed_run_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			ON CONFLICT (source_name, external_id) DO NOTHING`,
			existingID, article.SourceName, article.ExternalID, article.URL, article.URLCanonical,
			article.URLHash, article.Title, article.SourceDomain, article.PublishedAt,
			article.LanguageDetected, article.ContentRaw, article.SummaryRaw, article.IsFullContent,
			article.CleanText, article.CleanTextChars, article.IsTruncated, targetFallback, runID,
		)
		if err != nil {
			return models.UpsertResult{}, fmt.Errorf("inserting article: %w", err)
		}
		if err := insertExternalAlias(ctx, tx, article.SourceName, article.ExternalID, existingID, true); err != nil {
			return models.UpsertResult{}, err
		}
		// Re-resolve in case of a concurrent insert race on the unique constraint.
		resolvedID, err := findExistingArticle(ctx, tx, article)
		if err != nil {
			return models.UpsertResult{}, err
		}
		if resolvedID != "" {
			existingID = resolvedID
		}
	}

	existing, err := loadArticle(ctx, tx, existingID)
	if err != nil {
		return models.UpsertResult{}, err
	}

	if err := ensureExternalAlias(ctx, tx, article.SourceName, article.ExternalID, existingID); err != nil {
		return models.UpsertResult{}, err
	}

	targetFallback := targetFallbackKey(article, existing.fallbackKey)
	promote := isGeneratedExternalID(existing.externalID) && !isGeneratedExternalID(article.ExternalID)
	changed := rowChanged(existing, article, targetFallback) || promote

	if changed {
		newExternalID := existing.externalID
		if promote {
			newExternalID = article.ExternalID
		}
		_, err := tx.Exec(ctx, `
			UPDATE articles SET
				url = $2, url_canonical = $3, url_hash = $4, title = $5, source_domain = $6,
				published_at = $7, language_detected = $8, content_raw = $9, summary_raw = $10,
				is_full_content = $11, clean_text = $12, clean_text_chars = $13, is_truncated = $14,
				fallback_key = $15, last_processed_run_id = $16, external_id = $17, updated_at = now()
			WHERE article_id = $1`,
			existingID, article.URL, article.URLCanonical, article.URLHash, article.Title,
			article.SourceDomain, article.PublishedAt, article.LanguageDetected, article.ContentRaw,
			article.SummaryRaw, article.IsFullContent, article.CleanText, article.CleanTextChars,
			article.IsTruncated, targetFallback, runID, newExternalID,
		)
		if err != nil {
			return models.UpsertResult{}, fmt.Errorf("updating article: %w", err)
		}
	}

	linkCreated, err := ensureUserArticle(ctx, tx, userID, existingID)
	if err != nil {
		return models.UpsertResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.UpsertResult{}, fmt.Errorf("committing upsert: %w", err)
	}

	switch {
	case linkCreated:
		return models.UpsertResult{ArticleID: existingID, Action: models.UpsertActionInserted}, nil
	case changed:
		return models.UpsertResult{ArticleID: existingID, Action: models.UpsertActionUpdated}, nil
	default:
		return models.UpsertResult{ArticleID: existingID, Action: models.UpsertActionSkipped}, nil
	}
}

// ensureUserArticle creates the per-user visibility link if it does not
// already exist, reporting whether it just created one.
func ensureUserArticle(ctx context.Context, tx pgx.Tx, userID, articleID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO user_articles (user_id, article_id) VALUES ($1, $2)
		ON CONFLICT (user_id, article_id) DO NOTHING`, userID, articleID)
	if err != nil {
		return false, fmt.Errorf("linking user_article %s/%s: %w", userID, articleID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertRawArticle persists the original unparsed feed payload for one
// article, keyed independently of the reconciled article row so a
// later re-fetch of the same (source_name, external_id) simply
// replaces it.
func (r *Repository) UpsertRawArticle(ctx context.Context, sourceName, externalID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling raw article payload: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO article_raw (source_name, external_id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_name, external_id) DO UPDATE SET payload = EXCLUDED.payload, created_at = now()`,
		sourceName, externalID, raw)
	if err != nil {
		return fmt.Errorf("upserting raw article %s/%s: %w", sourceName, externalID, err)
	}
	return nil
}

type articleRow struct {
	articleID      string
	externalID     string
	url            string
	urlCanonical   string
	urlHash        string
	title          string
	sourceDomain   string
	publishedAt    time.Time
	language       string
	contentRaw     string
	summaryRaw     string
	isFullContent  bool
	cleanText      string
	cleanTextChars int
	isTruncated    bool
	fallbackKey    *string
}

func loadArticle(ctx context.Context, tx pgx.Tx, articleID string) (articleRow, error) {
	row := tx.QueryRow(ctx, `
		SELECT article_id, external_id, url, url_canonical, url_hash, title, source_domain,
		       published_at, language_detected, content_raw, summary_raw, is_full_content,
		       clean_text, clean_text_chars, is_truncated, fallback_key
		FROM articles WHERE article_id = $1`, articleID)
	var a articleRow
	if err := row.Scan(&a.articleID, &a.externalID, &a.url, &a.urlCanonical, &a.urlHash, &a.title,
		&a.sourceDomain, &a.publishedAt, &a.language, &a.contentRaw, &a.summaryRaw, &a.isFullContent,
		&a.cleanText, &a.cleanTextChars, &a.isTruncated, &a.fallbackKey); err != nil {
		return articleRow{}, fmt.Errorf("loading article %s: %w", articleID, err)
	}
	return a, nil
}

// findExistingArticle returns an existing article_id for the given
// NormalizedArticle's identity, or "" if nothing matches.
func findExistingArticle(ctx context.Context, tx pgx.Tx, article models.NormalizedArticle) (string, error) {
	var articleID string
	err := tx.QueryRow(ctx, `
		SELECT article_id FROM article_external_id_aliases
		WHERE source_name = $1 AND external_id = $2`,
		article.SourceName, article.ExternalID,
	).Scan(&articleID)
	if err == nil {
		return articleID, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("looking up alias: %w", err)
	}

	if !useURLTimestampFallback(article) {
		err := tx.QueryRow(ctx, `
			SELECT article_id FROM articles
			WHERE source_name = $1 AND fallback_key = $2 AND external_id LIKE 'generated:%'`,
			article.SourceName, buildFallbackKey(article),
		).Scan(&articleID)
		if err == nil {
			return articleID, nil
		}
		if err != pgx.ErrNoRows {
			return "", fmt.Errorf("looking up by fallback key: %w", err)
		}
		return "", nil
	}

	if article.URLCanonical != "" {
		err := tx.QueryRow(ctx, `
			SELECT article_id FROM articles
			WHERE source_name = $1 AND url_canonical = $2
			ORDER BY created_at LIMIT 1`,
			article.SourceName, article.URLCanonical,
		).Scan(&articleID)
		if err == nil {
			return articleID, nil
		}
		if err != pgx.ErrNoRows {
			return "", fmt.Errorf("looking up by url_canonical: %w", err)
		}
	}

	err = tx.QueryRow(ctx, `
		SELECT article_id FROM articles
		WHERE source_name = $1 AND fallback_key = $2`,
		article.SourceName, buildFallbackKey(article),
	).Scan(&articleID)
	if err == nil {
		return articleID, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("looking up by fallback key: %w", err)
	}
	return "", nil
}

func ensureExternalAlias(ctx context.Context, tx pgx.Tx, sourceName, externalID, articleID string) error {
	var mappedArticleID string
	err := tx.QueryRow(ctx, `
		SELECT article_id FROM article_external_id_aliases
		WHERE source_name = $1 AND external_id = $2`, sourceName, externalID,
	).Scan(&mappedArticleID)
	if err == pgx.ErrNoRows {
		return insertExternalAlias(ctx, tx, sourceName, externalID, articleID, false)
	}
	if err != nil {
		return fmt.Errorf("checking existing alias: %w", err)
	}
	if mappedArticleID != articleID {
		return fmt.Errorf("external ID collision for %s:%s: %s != %s", sourceName, externalID, mappedArticleID, articleID)
	}
	return nil
}

func insertExternalAlias(ctx context.Context, tx pgx.Tx, sourceName, externalID, articleID string, isPrimary bool) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO article_external_id_aliases (source_name, external_id, article_id, is_primary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_name, external_id) DO NOTHING`,
		sourceName, externalID, articleID, isPrimary,
	)
	if err != nil {
		return fmt.Errorf("inserting external alias: %w", err)
	}
	return nil
}

func isGeneratedExternalID(externalID string) bool {
	return strings.HasPrefix(externalID, "generated:")
}

func useURLTimestampFallback(article models.NormalizedArticle) bool {
	return article.ExternalID == "" || isGeneratedExternalID(article.ExternalID)
}

func buildFallbackKey(article models.NormalizedArticle) string {
	return fmt.Sprintf("%s|%s|%s", article.SourceName, article.URLHash, article.PublishedAt.UTC().Format(time.RFC3339))
}

func targetFallbackKey(article models.NormalizedArticle, existingFallbackKey *string) *string {
	if useURLTimestampFallback(article) {
		key := buildFallbackKey(article)
		return &key
	}
	return existingFallbackKey
}

func rowChanged(existing articleRow, article models.NormalizedArticle, targetFallback *string) bool {
	fallbackChanged := (existing.fallbackKey == nil) != (targetFallback == nil)
	if !fallbackChanged && existing.fallbackKey != nil && targetFallback != nil {
		fallbackChanged = *existing.fallbackKey != *targetFallback
	}
	return existing.url != article.URL ||
		existing.urlCanonical != article.URLCanonical ||
		existing.urlHash != article.URLHash ||
		existing.title != article.Title ||
		existing.sourceDomain != article.SourceDomain ||
		!existing.publishedAt.Equal(article.PublishedAt) ||
		existing.language != article.LanguageDetected ||
		existing.contentRaw != article.ContentRaw ||
		existing.summaryRaw != article.SummaryRaw ||
		existing.isFullContent != article.IsFullContent ||
		existing.cleanText != article.CleanText ||
		existing.cleanTextChars != article.CleanTextChars ||
		existing.isTruncated != article.IsTruncated ||
		fallbackChanged
}

// GetArticleByID loads a single article's summary fields, used by the
// dedup engine and citation snapshot builder.
func (r *Repository) GetArticleByID(ctx context.Context, articleID string) (models.DedupCandidate, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT article_id, title, published_at, url, source_domain, clean_text, clean_text_chars
		FROM articles WHERE article_id = $1`, articleID)
	var c models.DedupCandidate
	if err := row.Scan(&c.ArticleID, &c.Title, &c.PublishedAt, &c.URL, &c.SourceDomain, &c.CleanText, &c.CleanTextChars); err != nil {
		if err == pgx.ErrNoRows {
			return models.DedupCandidate{}, ErrNotFound
		}
		return models.DedupCandidate{}, fmt.Errorf("loading article %s: %w", articleID, err)
	}
	return c, nil
}

// ListRecentArticleCandidates returns dedup candidates visible to
// userID (i.e. linked via user_articles) and published within the
// given lookback window, newest first, for one ingestion run's dedup
// pass.
func (r *Repository) ListRecentArticleCandidates(ctx context.Context, userID string, since time.Time, limit int) ([]models.DedupCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.article_id, a.title, a.published_at, a.url, a.source_domain, a.clean_text, a.clean_text_chars
		FROM articles a
		JOIN user_articles ua ON ua.article_id = a.article_id
		WHERE ua.user_id = $1 AND a.published_at >= $2
		ORDER BY a.published_at DESC LIMIT $3`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dedup candidates: %w", err)
	}
	defer rows.Close()

	var candidates []models.DedupCandidate
	for rows.Next() {
		var c models.DedupCandidate
		if err := rows.Scan(&c.ArticleID, &c.Title, &c.PublishedAt, &c.URL, &c.SourceDomain, &c.CleanText, &c.CleanTextChars); err != nil {
			return nil, fmt.Errorf("scanning dedup candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// GCUnreferencedArticles deletes articles with no remaining
// user_articles link; an article survives only as long as some user
// still references it. Deleting the article row
// cascades to article_external_id_aliases, article_embeddings, and
// dedup_cluster_members via FK ON DELETE CASCADE; output_citation_snapshots
// is orphan-safe and is never touched here. article_raw is keyed by
// (source_name, external_id) rather than article_id, so it is swept
// separately by source-name/external-id pairs whose alias no longer
// resolves to any surviving article. When dryRun is true, no rows are
// deleted and the would-be count is still returned.
func (r *Repository) GCUnreferencedArticles(ctx context.Context, dryRun bool) (int64, error) {
	if dryRun {
		var count int64
		err := r.pool.QueryRow(ctx, `
			SELECT count(*) FROM articles a
			WHERE NOT EXISTS (SELECT 1 FROM user_articles ua WHERE ua.article_id = a.article_id)`,
		).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("counting unreferenced articles: %w", err)
		}
		return count, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning gc tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		DELETE FROM articles a
		WHERE NOT EXISTS (SELECT 1 FROM user_articles ua WHERE ua.article_id = a.article_id)
		RETURNING source_name, external_id`)
	if err != nil {
		return 0, fmt.Errorf("gc unreferenced articles: %w", err)
	}
	var deleted int64
	for rows.Next() {
		var sourceName, externalID string
		if err := rows.Scan(&sourceName, &externalID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning gc'd article: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM article_raw WHERE source_name = $1 AND external_id = $2
			  AND NOT EXISTS (
			    SELECT 1 FROM article_external_id_aliases al
			    JOIN articles a2 ON a2.article_id = al.article_id
			    WHERE al.source_name = $1 AND al.external_id = $2)`,
			sourceName, externalID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("gc'ing raw article %s/%s: %w", sourceName, externalID, err)
		}
		deleted++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing gc: %w", err)
	}
	return deleted, nil
}

// ListArticlesForRecap returns the articles a user should see in their
// recap for businessDate: active user_articles published on that date,
// excluding any article that a dedup run found to be a non-representative
// duplicate. An article with no dedup_cluster_members row at all (never
// clustered) is kept, since dedup only runs over the articles a given
// ingestion pass actually compared.
func (r *Repository) ListArticlesForRecap(ctx context.Context, userID string, businessDate time.Time) ([]models.DedupCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.article_id, a.title, a.published_at, a.url, a.source_domain,
		       a.clean_text, a.clean_text_chars
		FROM articles a
		JOIN user_articles ua ON ua.article_id = a.article_id
		WHERE ua.user_id = $1 AND ua.state = 'active'
		  AND a.published_at::date = $2::date
		  AND NOT EXISTS (
		    SELECT 1 FROM dedup_cluster_members m
		    WHERE m.article_id = a.article_id AND m.user_id = $1 AND m.is_representative = false)
		ORDER BY a.published_at ASC`, userID, businessDate)
	if err != nil {
		return nil, fmt.Errorf("listing recap articles: %w", err)
	}
	defer rows.Close()

	var out []models.DedupCandidate
	for rows.Next() {
		var c models.DedupCandidate
		if err := rows.Scan(&c.ArticleID, &c.Title, &c.PublishedAt, &c.URL, &c.SourceDomain,
			&c.CleanText, &c.CleanTextChars); err != nil {
			return nil, fmt.Errorf("scanning recap article: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
