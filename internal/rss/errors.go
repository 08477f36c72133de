package rss

import "fmt"

// TemporarySourceError is a retryable transport failure: a 429/5xx HTTP
// status, or any network error the caller should treat as transient.
// The ingestion orchestrator turns this into an IngestionGap rather than
// failing the whole run.
type TemporarySourceError struct {
	Code       string
	ToCursor   *string
	RetryAfter *int
	cause      error
}

func (e *TemporarySourceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("temporary source error [%s]: %v", e.Code, e.cause)
	}
	return fmt.Sprintf("temporary source error [%s]", e.Code)
}

func (e *TemporarySourceError) Unwrap() error { return e.cause }

// NonRetryableSourceError is a permanent failure: a non-retryable 4xx
// HTTP status, or a malformed feed that cannot be parsed. The
// orchestrator aborts the run as failed when this surfaces.
type NonRetryableSourceError struct {
	Code  string
	cause error
}

func (e *NonRetryableSourceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("non-retryable source error [%s]: %v", e.Code, e.cause)
	}
	return fmt.Sprintf("non-retryable source error [%s]", e.Code)
}

func (e *NonRetryableSourceError) Unwrap() error { return e.cause }

// retryableStatusCodes are the HTTP statuses treated as
// transient: rate limiting and server-side failures.
var retryableStatusCodes = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}
