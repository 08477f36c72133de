package models

import "time"

// User is the root of per-user access scoping.
type User struct {
	UserID      string
	DisplayName string
}

// OutputKind identifies the business-level shape of a UserOutput.
type OutputKind string

// Output kind values.
const (
	OutputKindHighlights   OutputKind = "highlights"
	OutputKindStoryDetails OutputKind = "story_details"
	OutputKindMonitorAns   OutputKind = "monitor_answer"
	OutputKindQAAnswer     OutputKind = "qa_answer"
)

// UserOutput is a business-level generated artifact.
//
// Identity rules: (kind, business_date, request_id) for
// qa_answer; (kind, business_date, monitor_id) for monitor_answer;
// (kind, business_date, story_id) for story_details; (kind, business_date)
// for highlights.
type UserOutput struct {
	OutputID     string
	UserID       string
	Kind         OutputKind
	BusinessDate time.Time
	RequestID    *string
	MonitorID    *string
	StoryID      *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Blocks       []UserOutputBlock
}

// UserOutputBlock is one ordered block of a UserOutput.
type UserOutputBlock struct {
	BlockID   string
	OutputID  string
	Position  int
	Text      string
	SourceIDs []string
}

// ReadStateEvent records that a user read an output or a specific block.
type ReadStateEvent struct {
	EventID   int64
	UserID    string
	OutputID  string
	BlockID   *string
	CreatedAt time.Time
}

// OutputFeedback records user engagement feedback on an output or block.
type OutputFeedback struct {
	FeedbackID int64
	UserID     string
	OutputID   string
	BlockID    *string
	Rating     string
	Comment    *string
	CreatedAt  time.Time
}
