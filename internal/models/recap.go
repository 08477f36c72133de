package models

import "time"

// RecapStep identifies one stage of the six-step (eight-operation) recap
// pipeline.
type RecapStep string

// Recap step values, in pipeline order. ResourceLoad and
// ResourceLoadFull are non-LLM steps run directly by the coordinator;
// the rest enqueue an llm_tasks row.
const (
	RecapStepClassify         RecapStep = "classify"
	RecapStepResourceLoad     RecapStep = "resource_load"
	RecapStepEnrich           RecapStep = "enrich"
	RecapStepGroup            RecapStep = "group"
	RecapStepResourceLoadFull RecapStep = "resource_load_full"
	RecapStepEnrichFull       RecapStep = "enrich_full"
	RecapStepSynthesize       RecapStep = "synthesize"
	RecapStepCompose          RecapStep = "compose"
)

// RecapStepOrder is the fixed execution order of the pipeline.
var RecapStepOrder = []RecapStep{
	RecapStepClassify,
	RecapStepResourceLoad,
	RecapStepEnrich,
	RecapStepGroup,
	RecapStepResourceLoadFull,
	RecapStepEnrichFull,
	RecapStepSynthesize,
	RecapStepCompose,
}

// RecapRunStatus is the lifecycle state of a RecapRun.
type RecapRunStatus string

// Recap run status values, mirroring RunStatus for ingestion runs.
const (
	RecapRunStatusRunning   RecapRunStatus = "running"
	RecapRunStatusSucceeded RecapRunStatus = "succeeded"
	RecapRunStatusFailed    RecapRunStatus = "failed"
)

// RecapRun is one activation of the recap pipeline for a user and
// business date, tracking which step is currently active so a crashed
// coordinator can resume instead of restarting step 1.
type RecapRun struct {
	RunID        string
	UserID       string
	BusinessDate time.Time
	Status       RecapRunStatus
	CurrentStep  RecapStep
	StartedAt    time.Time
	HeartbeatAt  time.Time
	FinishedAt   *time.Time
	StepState    map[string]any
	ErrorSummary *string
}

// ArticleClassification is one article's outcome from the classify step.
type ArticleClassification string

// Classification values an agent may write for each article.
const (
	ArticleClassificationOK     ArticleClassification = "ok"
	ArticleClassificationEnrich ArticleClassification = "enrich"
	ArticleClassificationTrash  ArticleClassification = "trash"
)

// EnrichedArticle is one article's replacement title/body from an
// enrich or enrich_full step.
type EnrichedArticle struct {
	ArticleID string `json:"article_id"`
	NewTitle  string `json:"new_title"`
	CleanText string `json:"clean_text"`
}

// RecapEvent is one grouped story from the group step.
type RecapEvent struct {
	EventID      string   `json:"event_id"`
	Title        string   `json:"title"`
	Significance string   `json:"significance"`
	ArticleIDs   []string `json:"article_ids"`
	TopicTags    []string `json:"topic_tags"`
}

// EventSynthesis is one event's synthesize-step output.
type EventSynthesis struct {
	EventID     string   `json:"event_id"`
	Synthesis   string   `json:"synthesis"`
	Summary     string   `json:"summary"`
	KeyFacts    []string `json:"key_facts"`
	SourcesUsed []string `json:"sources_used"`
}

// ThemeRecap is one composed recap within a ThemeBlock.
type ThemeRecap struct {
	Headline string   `json:"headline"`
	Body     string   `json:"body"`
	Sources  []string `json:"sources"`
}

// ThemeBlock groups composed recaps under a shared theme, per the
// compose step's {theme_blocks: [...]} output shape.
type ThemeBlock struct {
	Theme   string       `json:"theme"`
	Recaps  []ThemeRecap `json:"recaps"`
}
