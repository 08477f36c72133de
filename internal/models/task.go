package models

import "time"

// TaskStatus is the lifecycle state of an LlmTask.
type TaskStatus string

// Task status values. Transitions: queued -> running -> {succeeded,
// failed, timeout, canceled}; running -> queued only via ScheduleRetry.
// Terminal states are absorbing for CompleteTask, FailTask, ScheduleRetry.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// FailureClass is the deterministic classification of a task attempt failure.
type FailureClass string

// Failure class values.
const (
	FailureClassInputContractError FailureClass = "INPUT_CONTRACT_ERROR"
	FailureClassBackendTransient   FailureClass = "BACKEND_TRANSIENT"
	FailureClassBackendNonRetryable FailureClass = "BACKEND_NON_RETRYABLE"
	FailureClassTimeout            FailureClass = "TIMEOUT"
	FailureClassOutputInvalidJSON  FailureClass = "OUTPUT_INVALID_JSON"
	FailureClassSourceMappingFailed FailureClass = "SOURCE_MAPPING_FAILED"
	FailureClassBillingOrQuota     FailureClass = "BILLING_OR_QUOTA"
	FailureClassAccessOrAuth       FailureClass = "ACCESS_OR_AUTH"
	FailureClassModelNotAvailable  FailureClass = "MODEL_NOT_AVAILABLE"
)

// RetryableFailureClasses is the set of failure classes eligible for
// automatic retry (subject to attempt budget).
var RetryableFailureClasses = map[FailureClass]bool{
	FailureClassTimeout:          true,
	FailureClassBackendTransient: true,
}

// RepairableFailureClasses is the set of failure classes eligible for a
// single in-attempt repair pass.
var RepairableFailureClasses = map[FailureClass]bool{
	FailureClassOutputInvalidJSON:   true,
	FailureClassSourceMappingFailed: true,
}

// LlmTask is a durable LLM job managed by the task queue.
type LlmTask struct {
	TaskID             string
	UserID             string
	TaskType           string
	Priority           int
	Status             TaskStatus
	Attempt            int
	MaxAttempts        int
	TimeoutSeconds     int
	RunAfter           time.Time
	StartedAt          *time.Time
	HeartbeatAt        *time.Time
	FinishedAt         *time.Time
	FailureClass       *FailureClass
	LastExitCode       *int
	RepairAttemptedAt  *time.Time
	WorkerID           *string
	InputManifestPath  string
	OutputPath         *string
	ErrorSummary       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LlmTaskCreate is the payload for Repository.EnqueueTask.
type LlmTaskCreate struct {
	TaskID            string
	UserID            string
	TaskType          string
	Priority          int
	MaxAttempts       int
	TimeoutSeconds    int
	RunAfter          time.Time
	InputManifestPath string
}

// LlmTaskEvent is an append-only audit row for one task transition.
type LlmTaskEvent struct {
	EventID    int64
	TaskID     string
	EventType  string
	StatusFrom *TaskStatus
	StatusTo   *TaskStatus
	Details    map[string]any
	CreatedAt  time.Time
}

// LlmTaskAttempt is per-attempt execution telemetry.
type LlmTaskAttempt struct {
	AttemptID       int64
	TaskID          string
	Attempt         int
	StartedAt       time.Time
	FinishedAt      time.Time
	DurationMs      int64
	ExitCode        *int
	TimedOut        bool
	FailureClass    *FailureClass
	FailureCode     *string
	StdoutPreview   string
	StderrPreview   string
	InputTokens     *int64
	OutputTokens    *int64
	EstimatedCostUSD *float64
	UsageSource     string
	ParserVersion   int
}

// ArtifactKind identifies the kind of file captured for a task attempt.
type ArtifactKind string

// Artifact kind values.
const (
	ArtifactKindStdoutLog     ArtifactKind = "stdout_log"
	ArtifactKindStderrLog     ArtifactKind = "stderr_log"
	ArtifactKindOutputResult  ArtifactKind = "output_result"
)

// LlmTaskArtifact is a persisted pointer to a file produced by an attempt.
type LlmTaskArtifact struct {
	ArtifactID int64
	TaskID     string
	Kind       ArtifactKind
	Path       string
	SizeBytes  int64
	Checksum   string
}

// OutputCitationSnapshot is an immutable, orphan-safe record of the
// source metadata cited by a successful task output.
type OutputCitationSnapshot struct {
	TaskID      string
	SourceID    string
	ArticleID   *string
	Title       string
	URL         string
	Source      string
	PublishedAt *time.Time
}
