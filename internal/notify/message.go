package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var recapStatusEmoji = map[string]string{
	"succeeded": ":white_check_mark:",
	"failed":    ":x:",
}

var recapStatusLabel = map[string]string{
	"succeeded": "Recap Complete",
	"failed":    "Recap Failed",
}

// BuildRecapStartedMessage creates Block Kit blocks for a recap run
// start notification. The fingerprint is embedded in the text so the
// terminal notification can thread a reply onto it.
func BuildRecapStartedMessage(runID, userID, businessDate string) []goslack.Block {
	text := fmt.Sprintf(":arrows_counterclockwise: *Recap started* for %s (%s)\n_%s_", userID, businessDate, runFingerprint(runID))
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// RecapTerminalInput carries the fields needed to render a terminal
// recap run notification.
type RecapTerminalInput struct {
	RunID        string
	UserID       string
	BusinessDate string
	Status       string // succeeded, failed
	ErrorSummary string
}

// BuildRecapTerminalMessage creates Block Kit blocks for a terminal
// recap run notification.
func BuildRecapTerminalMessage(input RecapTerminalInput) []goslack.Block {
	emoji := recapStatusEmoji[input.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := recapStatusLabel[input.Status]
	if label == "" {
		label = "Recap " + input.Status
	}

	headerText := fmt.Sprintf("%s *%s* for %s (%s)", emoji, label, input.UserID, input.BusinessDate)
	if input.Status != "succeeded" && input.ErrorSummary != "" {
		headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(input.ErrorSummary))
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}
}

// BuildIngestionFailureMessage creates Block Kit blocks for an
// ingestion run failure notification.
func BuildIngestionFailureMessage(runID, userID, source, errorSummary string) []goslack.Block {
	text := fmt.Sprintf(":x: *Ingestion failed* for %s/%s\n\n*Error:*\n%s", userID, source, truncateForSlack(errorSummary))
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
