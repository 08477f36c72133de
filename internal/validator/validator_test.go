package validator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidate_MissingFile(t *testing.T) {
	result := Validate("highlights", filepath.Join(t.TempDir(), "missing.json"), nil)
	require.False(t, result.IsValid)
	require.NotNil(t, result.FailureClass)
	assert.Equal(t, models.FailureClassOutputInvalidJSON, *result.FailureClass)
}

func TestValidate_NonJSON(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "out.json", "not json")
	result := Validate("highlights", path, nil)
	require.False(t, result.IsValid)
	assert.Equal(t, models.FailureClassOutputInvalidJSON, *result.FailureClass)
}

func TestValidate_EmptySourceIDsIsSourceMappingFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "out.json", `{"blocks":[{"text":"hi","source_ids":[]}]}`)
	result := Validate("highlights", path, map[string]bool{"article:1": true})
	require.False(t, result.IsValid)
	assert.Equal(t, models.FailureClassSourceMappingFailed, *result.FailureClass)
}

func TestValidate_UnknownSourceIDFails(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "out.json", `{"blocks":[{"text":"hi","source_ids":["article:unknown"]}]}`)
	result := Validate("highlights", path, map[string]bool{"article:1": true})
	require.False(t, result.IsValid)
	assert.Equal(t, models.FailureClassSourceMappingFailed, *result.FailureClass)
}

func TestValidate_ValidDefaultContract(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "out.json", `{"blocks":[{"text":"hi","source_ids":["article:1","article:2"]}]}`)
	result := Validate("highlights", path, map[string]bool{"article:1": true, "article:2": true})
	require.True(t, result.IsValid)
	assert.Equal(t, []string{"article:1", "article:2"}, ExtractOrderedBlockSourceIDs(result.Payload))
}

func TestValidate_RecapTaskSkipsSourceMapping(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "out.json", `{"events":[{"event_id":"e1"}]}`)
	result := Validate("recap_group", path, map[string]bool{})
	require.True(t, result.IsValid)
}

func TestValidate_RecapTaskMissingKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "out.json", `{"wrong_key":true}`)
	result := Validate("recap_group", path, map[string]bool{})
	require.False(t, result.IsValid)
	assert.Equal(t, models.FailureClassOutputInvalidJSON, *result.FailureClass)
}

func TestExtractOrderedBlockSourceIDs_DedupesPreservingOrder(t *testing.T) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{"source_ids": []any{"a", "b"}},
			map[string]any{"source_ids": []any{"b", "c"}},
		},
	}
	assert.Equal(t, []string{"a", "b", "c"}, ExtractOrderedBlockSourceIDs(payload))
}
