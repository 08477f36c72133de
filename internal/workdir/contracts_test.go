package workdir

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestRoundTrip_V1(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir)
	paths, err := mgr.Create("task-1", "recap_classify", TaskInput{TaskType: "recap_classify", Prompt: "p"}, nil, CreateOptions{ContractVersion: 1})
	require.NoError(t, err)

	manifest, err := ReadManifest(paths.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.ContractVersion)
	assert.Nil(t, manifest.ContinuitySummaryPath)
	assert.Equal(t, "task-1", manifest.TaskID)
}

func TestManifestRoundTrip_V2HasContextPaths(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir)
	paths, err := mgr.Create("task-2", "recap_enrich", TaskInput{TaskType: "recap_enrich", Prompt: "p"}, nil, CreateOptions{ContractVersion: 2})
	require.NoError(t, err)

	manifest, err := ReadManifest(paths.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, 2, manifest.ContractVersion)
	require.NotNil(t, manifest.ContinuitySummaryPath)
	assert.Equal(t, filepath.Join(paths.Workdir, "input", "continuity_summary.json"), *manifest.ContinuitySummaryPath)
}

func TestManifestRoundTrip_V3HasResourcesAndSchemaHint(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir)
	paths, err := mgr.Create("task-3", "recap_classify", TaskInput{TaskType: "recap_classify", Prompt: "p"}, nil, CreateOptions{
		ContractVersion:  3,
		WithResourcesDir: true,
		WithResultsDir:   true,
		OutputSchemaHint: "highlights-v1",
	})
	require.NoError(t, err)

	manifest, err := ReadManifest(paths.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, 3, manifest.ContractVersion)
	require.NotNil(t, manifest.InputResourcesDir)
	require.NotNil(t, manifest.OutputResultsDir)
	require.NotNil(t, manifest.OutputSchemaHint)
	assert.Equal(t, "highlights-v1", *manifest.OutputSchemaHint)
}

func TestReadManifest_MissingRequiredFieldErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, writeJSON(path, map[string]any{"task_id": "x"}))
	_, err := ReadManifest(path)
	require.Error(t, err)
}

func TestArticlesIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "articles_index.json")
	pub := "2026-01-01T00:00:00Z"
	entries := []ArticleIndexEntry{{SourceID: "article:1", Title: "T", URL: "https://x", PublishedAt: &pub}}
	require.NoError(t, WriteArticlesIndex(path, entries))

	read, err := ReadArticlesIndex(path)
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.Equal(t, "article:1", read[0].SourceID)
	require.NotNil(t, read[0].PublishedAt)
	assert.Equal(t, pub, *read[0].PublishedAt)
}

func TestReadArticlesIndex_RejectsEmptySourceID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "articles_index.json")
	require.NoError(t, writeJSON(path, map[string]any{"articles": []any{map[string]any{"source_id": "", "title": "t", "url": "u"}}}))
	_, err := ReadArticlesIndex(path)
	require.Error(t, err)
}

func TestTaskInputRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task_input.json")
	input := TaskInput{TaskType: "recap_classify", Prompt: "hello", Metadata: map[string]any{"routing": map[string]any{"agent": "claude"}}}
	require.NoError(t, WriteTaskInput(path, input))

	read, err := ReadTaskInput(path)
	require.NoError(t, err)
	assert.Equal(t, "recap_classify", read.TaskType)
	assert.Equal(t, "hello", read.Prompt)
	assert.Contains(t, read.Metadata, "routing")
}
