// Package workdir materializes the per-task input/output file tree and
// reads/writes the file-based task contracts.
package workdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TaskInput is the task_input.json contract.
type TaskInput struct {
	TaskType string         `json:"task_type"`
	Prompt   string         `json:"prompt"`
	Metadata map[string]any `json:"metadata"`
}

// ArticleIndexEntry is one allowed source entry for strict source mapping.
type ArticleIndexEntry struct {
	SourceID    string  `json:"source_id"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Source      string  `json:"source,omitempty"`
	PublishedAt *string `json:"published_at,omitempty"`
}

// ArticlesIndex is the articles_index.json contract.
type ArticlesIndex struct {
	Articles []ArticleIndexEntry `json:"articles"`
}

// Manifest is the task_manifest.json contract. ContractVersion 1 carries
// only the core paths; 2 adds the optional context paths; 3 adds
// resources/results directories plus a schema hint. Loaders accept all
// three versions unconditionally; unset optional fields are nil.
type Manifest struct {
	ContractVersion    int     `json:"contract_version"`
	TaskID             string  `json:"task_id"`
	TaskType           string  `json:"task_type"`
	Workdir            string  `json:"workdir"`
	TaskInputPath      string  `json:"task_input_path"`
	ArticlesIndexPath  string  `json:"articles_index_path"`
	OutputResultPath   string  `json:"output_result_path"`
	OutputStdoutPath   string  `json:"output_stdout_path"`
	OutputStderrPath   string  `json:"output_stderr_path"`
	ContinuitySummaryPath *string `json:"continuity_summary_path,omitempty"`
	RetrievalContextPath  *string `json:"retrieval_context_path,omitempty"`
	StoryContextPath      *string `json:"story_context_path,omitempty"`
	InputResourcesDir     *string `json:"input_resources_dir,omitempty"`
	OutputResultsDir      *string `json:"output_results_dir,omitempty"`
	OutputSchemaHint      *string `json:"output_schema_hint,omitempty"`
}

// requiredManifestFields are the keys every manifest version must carry.
var requiredManifestFields = []string{
	"task_id", "task_type", "workdir", "task_input_path",
	"articles_index_path", "output_result_path", "output_stdout_path",
	"output_stderr_path",
}

// writeJSON persists a JSON payload with deterministic formatting
// (sorted keys, 2-space indent).
func writeJSON(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent dir for %s: %w", path, err)
	}
	raw, err := json.MarshalIndent(sortableJSON(payload), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// sortableJSON round-trips payload through a generic value so
// encoding/json's alphabetical key ordering for maps applies to struct
// fields as well. On a marshaling error payload is returned unchanged,
// and the caller's own marshal reports the error.
func sortableJSON(payload any) any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return payload
	}
	return generic
}

// WriteTaskInput serializes the task input contract.
func WriteTaskInput(path string, input TaskInput) error {
	if input.Metadata == nil {
		input.Metadata = map[string]any{}
	}
	return writeJSON(path, input)
}

// ReadTaskInput deserializes and validates the task input contract.
func ReadTaskInput(path string) (TaskInput, error) {
	raw, err := loadJSONObject(path)
	if err != nil {
		return TaskInput{}, err
	}
	taskType, _ := raw["task_type"].(string)
	if strings.TrimSpace(taskType) == "" {
		return TaskInput{}, fmt.Errorf("task_input.task_type must be a non-empty string")
	}
	prompt, ok := raw["prompt"].(string)
	if !ok {
		return TaskInput{}, fmt.Errorf("task_input.prompt must be a string")
	}
	metadata := map[string]any{}
	if rawMeta, present := raw["metadata"]; present {
		m, ok := rawMeta.(map[string]any)
		if !ok {
			return TaskInput{}, fmt.Errorf("task_input.metadata must be an object")
		}
		metadata = m
	}
	return TaskInput{TaskType: taskType, Prompt: prompt, Metadata: metadata}, nil
}

// WriteArticlesIndex serializes the allowed articles index.
func WriteArticlesIndex(path string, entries []ArticleIndexEntry) error {
	return writeJSON(path, ArticlesIndex{Articles: entries})
}

// ReadArticlesIndex deserializes the allowed articles index.
func ReadArticlesIndex(path string) ([]ArticleIndexEntry, error) {
	raw, err := loadJSONObject(path)
	if err != nil {
		return nil, err
	}
	rawArticles, ok := raw["articles"].([]any)
	if !ok {
		return nil, fmt.Errorf("articles_index.articles must be an array")
	}
	entries := make([]ArticleIndexEntry, 0, len(rawArticles))
	for _, item := range rawArticles {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("articles_index entry must be an object")
		}
		sourceID, _ := obj["source_id"].(string)
		if strings.TrimSpace(sourceID) == "" {
			return nil, fmt.Errorf("articles_index.source_id must be a non-empty string")
		}
		title, _ := obj["title"].(string)
		url, _ := obj["url"].(string)
		source, _ := obj["source"].(string)
		var publishedAt *string
		if rawPub, present := obj["published_at"]; present && rawPub != nil {
			pub, ok := rawPub.(string)
			if !ok {
				return nil, fmt.Errorf("articles_index.published_at must be a string when provided")
			}
			publishedAt = &pub
		}
		entries = append(entries, ArticleIndexEntry{
			SourceID: sourceID, Title: title, URL: url, Source: source, PublishedAt: publishedAt,
		})
	}
	return entries, nil
}

// WriteManifest serializes the task manifest.
func WriteManifest(path string, manifest Manifest) error {
	if manifest.ContractVersion < 1 {
		manifest.ContractVersion = 1
	}
	return writeJSON(path, manifest)
}

// ReadManifest loads and validates the task manifest, accepting any of
// contract versions 1, 2, or 3.
func ReadManifest(path string) (Manifest, error) {
	raw, err := loadJSONObject(path)
	if err != nil {
		return Manifest{}, err
	}

	var missing []string
	for _, field := range requiredManifestFields {
		if _, ok := raw[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Manifest{}, fmt.Errorf("manifest missing required fields: %s", strings.Join(missing, ", "))
	}

	contractVersion := 1
	if rawVersion, present := raw["contract_version"]; present {
		f, ok := rawVersion.(float64)
		if !ok || f < 1 {
			return Manifest{}, fmt.Errorf("task_manifest.contract_version must be an integer >= 1")
		}
		contractVersion = int(f)
	}

	manifest := Manifest{
		ContractVersion:   contractVersion,
		TaskID:            fmt.Sprint(raw["task_id"]),
		TaskType:          fmt.Sprint(raw["task_type"]),
		Workdir:           fmt.Sprint(raw["workdir"]),
		TaskInputPath:     fmt.Sprint(raw["task_input_path"]),
		ArticlesIndexPath: fmt.Sprint(raw["articles_index_path"]),
		OutputResultPath:  fmt.Sprint(raw["output_result_path"]),
		OutputStdoutPath:  fmt.Sprint(raw["output_stdout_path"]),
		OutputStderrPath:  fmt.Sprint(raw["output_stderr_path"]),
	}

	optionalFields := map[string]**string{
		"continuity_summary_path": &manifest.ContinuitySummaryPath,
		"retrieval_context_path":  &manifest.RetrievalContextPath,
		"story_context_path":      &manifest.StoryContextPath,
		"input_resources_dir":     &manifest.InputResourcesDir,
		"output_results_dir":      &manifest.OutputResultsDir,
		"output_schema_hint":      &manifest.OutputSchemaHint,
	}
	for key, dest := range optionalFields {
		rawValue, present := raw[key]
		if !present || rawValue == nil {
			continue
		}
		s, ok := rawValue.(string)
		if !ok {
			return Manifest{}, fmt.Errorf("task_manifest.%s must be a string when provided", key)
		}
		*dest = &s
	}

	return manifest, nil
}

func loadJSONObject(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("expected JSON object in %s: %w", path, err)
	}
	return payload, nil
}
