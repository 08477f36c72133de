package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefaults() Defaults {
	return Defaults{
		DefaultAgent: "claude",
		TaskTypeProfileMap: map[string]string{
			"recap_synthesize": "quality",
		},
		CommandTemplates: map[string]string{
			"claude": "claude --model {model} --prompt {prompt}",
			"codex":  "codex run --model {model} {prompt_file}",
			"gemini": "gemini --model {model} --file {prompt_file}",
		},
		Models: map[string]map[string]string{
			"claude": {"fast": "claude-fast-1", "quality": "claude-quality-1"},
			"codex":  {"fast": "codex-fast-1", "quality": "codex-quality-1"},
			"gemini": {"fast": "gemini-fast-1", "quality": "gemini-quality-1"},
		},
	}
}

func TestResolveForEnqueue_DefaultsToTaskTypeProfile(t *testing.T) {
	frozen, err := ResolveForEnqueue(testDefaults(), "recap_synthesize", Overrides{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "claude", frozen.Agent)
	assert.Equal(t, "quality", frozen.Profile)
	assert.Equal(t, "claude-quality-1", frozen.Model)
	assert.Equal(t, ResolvedByEnqueue, frozen.ResolvedBy)
}

func TestResolveForEnqueue_UnknownTaskTypeDefaultsFast(t *testing.T) {
	frozen, err := ResolveForEnqueue(testDefaults(), "recap_classify", Overrides{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "fast", frozen.Profile)
}

func TestResolveForEnqueue_RejectsUnsupportedAgent(t *testing.T) {
	bad := "grok"
	_, err := ResolveForEnqueue(testDefaults(), "recap_classify", Overrides{Agent: &bad}, time.Now())
	require.Error(t, err)
}

func TestResolveForExecution_MissingRoutingFallsBack(t *testing.T) {
	frozen, reason := ResolveForExecution(nil, "recap_group", testDefaults(), time.Now())
	assert.NotEmpty(t, reason)
	assert.Equal(t, ResolvedByWorkerFallback, frozen.ResolvedBy)
}

func TestResolveForExecution_ValidRoutingPassesThrough(t *testing.T) {
	raw := map[string]any{
		"schema_version":   float64(1),
		"agent":            "codex",
		"profile":          "fast",
		"model":            "codex-fast-1",
		"command_template": "codex run --model {model} {prompt_file}",
		"resolved_at":      "2026-01-01T00:00:00Z",
		"resolved_by":      "enqueue",
	}
	frozen, reason := ResolveForExecution(raw, "recap_group", testDefaults(), time.Now())
	assert.Empty(t, reason)
	assert.Equal(t, "codex", frozen.Agent)
	assert.Equal(t, ResolvedBy("enqueue"), frozen.ResolvedBy)
}

func TestResolveForExecution_InvalidSchemaVersionFallsBack(t *testing.T) {
	raw := map[string]any{"schema_version": float64(2)}
	frozen, reason := ResolveForExecution(raw, "recap_group", testDefaults(), time.Now())
	assert.NotEmpty(t, reason)
	assert.Equal(t, ResolvedByWorkerFallback, frozen.ResolvedBy)
}

func TestDefaults_ValidateRejectsEmptyTemplate(t *testing.T) {
	d := testDefaults()
	d.CommandTemplates["gemini"] = "  "
	err := d.Validate()
	require.Error(t, err)
}
