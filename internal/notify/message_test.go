package notify

import (
	"strings"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecapStartedMessage(t *testing.T) {
	blocks := BuildRecapStartedMessage("run-1", "user-1", "2026-08-01")

	require.Len(t, blocks, 1)
	section, ok := blocks[0].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, section.Text.Text, ":arrows_counterclockwise:")
	assert.Contains(t, section.Text.Text, "user-1")
	assert.Contains(t, section.Text.Text, "2026-08-01")
	assert.Contains(t, section.Text.Text, "recap-run:run-1")
}

func TestBuildRecapTerminalMessage_Succeeded(t *testing.T) {
	blocks := BuildRecapTerminalMessage(RecapTerminalInput{
		RunID:        "run-1",
		UserID:       "user-1",
		BusinessDate: "2026-08-01",
		Status:       "succeeded",
	})

	require.Len(t, blocks, 1)
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":white_check_mark:")
	assert.Contains(t, header.Text.Text, "Recap Complete")
}

func TestBuildRecapTerminalMessage_Failed(t *testing.T) {
	blocks := BuildRecapTerminalMessage(RecapTerminalInput{
		RunID:        "run-2",
		UserID:       "user-1",
		BusinessDate: "2026-08-01",
		Status:       "failed",
		ErrorSummary: "step recap_classify: backend timed out",
	})

	require.Len(t, blocks, 1)
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":x:")
	assert.Contains(t, header.Text.Text, "Recap Failed")
	assert.Contains(t, header.Text.Text, "backend timed out")
}

func TestBuildIngestionFailureMessage(t *testing.T) {
	blocks := BuildIngestionFailureMessage("run-3", "user-1", "hn", "feed unreachable")

	require.Len(t, blocks, 1)
	section := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, section.Text.Text, "Ingestion failed")
	assert.Contains(t, section.Text.Text, "user-1/hn")
	assert.Contains(t, section.Text.Text, "feed unreachable")
}

func TestTruncateForSlack(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		assert.Equal(t, "hello", truncateForSlack("hello"))
	})

	t.Run("exact limit unchanged", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength)
		assert.Equal(t, text, truncateForSlack(text))
	})

	t.Run("over limit truncated", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength+100)
		result := truncateForSlack(text)
		assert.True(t, len(result) < len(text))
		assert.Contains(t, result, "truncated")
	})
}
