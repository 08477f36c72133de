// Package models holds the domain types shared across the ingestion,
// dedup, and task-queue subsystems.
package models

import "time"

// RunStatus is the lifecycle state of an IngestionRun.
type RunStatus string

// Run status values.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusPartial   RunStatus = "partial"
)

// RunCounters tracks per-run ingestion outcomes.
type RunCounters struct {
	Ingested       int
	Updated        int
	Skipped        int
	DedupClusters  int
	DedupDuplicate int
	GapsOpened     int
}

// IngestionRun is one activation of a (user, source) ingestion pipeline.
type IngestionRun struct {
	RunID        string
	UserID       string
	Source       string
	Status       RunStatus
	StartedAt    time.Time
	HeartbeatAt  time.Time
	FinishedAt   *time.Time
	Counters     RunCounters
	ErrorSummary *string
}

// GapStatus is the lifecycle state of an IngestionGap.
type GapStatus string

// Gap status values.
const (
	GapStatusOpen     GapStatus = "open"
	GapStatusResolved GapStatus = "resolved"
	GapStatusExpired  GapStatus = "expired"
)

// IngestionGap records a temporary source failure window that should be
// retried on a future run.
type IngestionGap struct {
	GapID      int64
	UserID     string
	Source     string
	FromCursor *string
	ToCursor   *string
	ErrorCode  string
	RetryAfter *time.Duration
	Status     GapStatus
	CreatedAt  time.Time
}

// UpsertAction describes the effect of Repository.UpsertArticle.
type UpsertAction string

// Upsert action values.
const (
	UpsertActionInserted UpsertAction = "INSERTED"
	UpsertActionUpdated  UpsertAction = "UPDATED"
	UpsertActionSkipped  UpsertAction = "SKIPPED"
)

// UpsertResult is the outcome of Repository.UpsertArticle.
type UpsertResult struct {
	ArticleID string
	Action    UpsertAction
}

// NormalizedArticle is a cleaned article ready for persistence.
type NormalizedArticle struct {
	SourceName       string
	ExternalID       string
	URL              string
	URLCanonical     string
	URLHash          string
	Title            string
	SourceDomain     string
	PublishedAt      time.Time
	LanguageDetected string
	ContentRaw       string
	SummaryRaw       string
	IsFullContent    bool
	CleanText        string
	CleanTextChars   int
	IsTruncated      bool
}

// ArticleExternalIDAlias maps an additional (source_name, external_id) to
// an existing article.
type ArticleExternalIDAlias struct {
	SourceName string
	ExternalID string
	ArticleID  string
	IsPrimary  bool
	CreatedAt  time.Time
}

// UserArticleState is the per-user visibility state of a UserArticle link.
type UserArticleState string

// User article state values.
const (
	UserArticleStateActive  UserArticleState = "active"
	UserArticleStateArchived UserArticleState = "archived"
)

// SourceArticle is one item parsed from a feed page, prior to cleaning
// or identity reconciliation.
type SourceArticle struct {
	ExternalID  string
	URL         string
	Title       string
	Source      string
	PublishedAt time.Time
	Content     string
	Summary     string
	RawPayload  map[string]any
}

// SourcePage is one page of a resumable source stream.
type SourcePage struct {
	Articles   []SourceArticle
	Cursor     string
	NextCursor *string
}
