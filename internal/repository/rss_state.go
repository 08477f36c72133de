package repository

import (
	"context"
	"fmt"
	"time"
)

// RssSourceState is the persisted conditional-GET and resume cursor for
// one (user, feed) pair.
type RssSourceState struct {
	UserID            string
	FeedURL           string
	ETag              *string
	LastModified      *string
	LastProcessedGUID *string
	LastProcessedAt   *time.Time
}

// GetRssSourceState loads the saved processing state for a feed, or the
// zero value if the feed has never been fetched before.
func (r *Repository) GetRssSourceState(ctx context.Context, userID, feedURL string) (RssSourceState, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, feed_url, etag, last_modified, last_processed_guid, last_processed_at
		FROM rss_source_state WHERE user_id = $1 AND feed_url = $2`, userID, feedURL)
	var s RssSourceState
	err := row.Scan(&s.UserID, &s.FeedURL, &s.ETag, &s.LastModified, &s.LastProcessedGUID, &s.LastProcessedAt)
	if err == ErrNoRows {
		return RssSourceState{UserID: userID, FeedURL: feedURL}, nil
	}
	if err != nil {
		return RssSourceState{}, fmt.Errorf("loading rss source state: %w", err)
	}
	return s, nil
}

// SaveRssSourceState persists the conditional-GET headers and resume
// cursor observed on the most recent successful fetch.
func (r *Repository) SaveRssSourceState(ctx context.Context, state RssSourceState) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rss_source_state (user_id, feed_url, etag, last_modified, last_processed_guid, last_processed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (user_id, feed_url) DO UPDATE SET
			etag = EXCLUDED.etag, last_modified = EXCLUDED.last_modified,
			last_processed_guid = EXCLUDED.last_processed_guid,
			last_processed_at = EXCLUDED.last_processed_at, updated_at = now()`,
		state.UserID, state.FeedURL, state.ETag, state.LastModified, state.LastProcessedGUID, state.LastProcessedAt)
	if err != nil {
		return fmt.Errorf("saving rss source state: %w", err)
	}
	return nil
}

// RssProcessingSnapshot is the serialized in-progress page list that lets
// a crashed ingestion run resume without refetching, keyed by
// (user_id, source_name, feed_set_hash).
type RssProcessingSnapshot struct {
	UserID       string
	SourceName   string
	FeedSetHash  string
	SnapshotJSON []byte
	NextCursor   *string
	UpdatedAt    time.Time
}

// GetRssProcessingSnapshot loads the saved snapshot, or ok=false if none
// exists (a cache miss, so the caller falls back to a fresh fetch). Any
// other read error is returned to the caller.
func (r *Repository) GetRssProcessingSnapshot(ctx context.Context, userID, sourceName, feedSetHash string) (RssProcessingSnapshot, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, source_name, feed_set_hash, snapshot_json, next_cursor, updated_at
		FROM rss_processing_snapshots WHERE user_id = $1 AND source_name = $2 AND feed_set_hash = $3`,
		userID, sourceName, feedSetHash)
	var s RssProcessingSnapshot
	err := row.Scan(&s.UserID, &s.SourceName, &s.FeedSetHash, &s.SnapshotJSON, &s.NextCursor, &s.UpdatedAt)
	if err == ErrNoRows {
		return RssProcessingSnapshot{}, false, nil
	}
	if err != nil {
		return RssProcessingSnapshot{}, false, fmt.Errorf("loading rss processing snapshot: %w", err)
	}
	return s, true, nil
}

// SaveRssProcessingSnapshot persists (or replaces) the resumable page
// snapshot for one (user, source, feed set).
func (r *Repository) SaveRssProcessingSnapshot(ctx context.Context, snapshot RssProcessingSnapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rss_processing_snapshots (user_id, source_name, feed_set_hash, snapshot_json, next_cursor, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (user_id, source_name, feed_set_hash) DO UPDATE SET
			snapshot_json = EXCLUDED.snapshot_json, next_cursor = EXCLUDED.next_cursor, updated_at = now()`,
		snapshot.UserID, snapshot.SourceName, snapshot.FeedSetHash, snapshot.SnapshotJSON, snapshot.NextCursor)
	if err != nil {
		return fmt.Errorf("saving rss processing snapshot: %w", err)
	}
	return nil
}

// DeleteRssProcessingSnapshot removes the snapshot once its cursor
// chain is fully drained.
func (r *Repository) DeleteRssProcessingSnapshot(ctx context.Context, userID, sourceName, feedSetHash string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM rss_processing_snapshots WHERE user_id = $1 AND source_name = $2 AND feed_set_hash = $3`,
		userID, sourceName, feedSetHash)
	if err != nil {
		return fmt.Errorf("deleting rss processing snapshot: %w", err)
	}
	return nil
}
