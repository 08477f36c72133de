package repository

import "errors"

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("repository: not found")

// ErrNoTaskReady is returned by ClaimNextReadyTask when the queue has no
// claimable task right now (distinct from ErrNotFound to let callers
// treat an empty queue as a normal poll outcome, not a lookup failure).
var ErrNoTaskReady = errors.New("repository: no task ready")

// ErrConflict is returned when a compare-and-swap UPDATE affects zero
// rows because the row moved out of the expected state concurrently.
var ErrConflict = errors.New("repository: conflicting concurrent update")

// ErrRunAlreadyActive is returned by StartRun when another run is
// already `running` for the same (user_id, source) and its heartbeat is
// not yet stale enough to auto-recover.
var ErrRunAlreadyActive = errors.New("repository: ingestion run already active")
