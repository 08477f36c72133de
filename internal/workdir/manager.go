package workdir

import (
	"fmt"
	"os"
	"path/filepath"
)

// Manager materializes and locates per-task workdir paths under a root
// directory, following a fixed layout:
//
//	<root>/<task_id>/
//	  input/{task_input.json, articles_index.json, task_prompt.txt,
//	         continuity_summary.json, retrieval_context.json,
//	         story_context.json, resources/}
//	  output/{agent_result.json, agent_stdout.log, agent_stderr.log, results/}
//	  meta/task_manifest.json
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at root.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// TaskDir returns the task's workdir root.
func (m *Manager) TaskDir(taskID string) string {
	return filepath.Join(m.root, taskID)
}

// Paths is the resolved set of file paths for one task's workdir.
type Paths struct {
	Workdir             string
	TaskInputPath       string
	ArticlesIndexPath   string
	ContinuitySummaryPath string
	RetrievalContextPath  string
	StoryContextPath      string
	InputResourcesDir     string
	TaskPromptPath        string
	OutputResultPath      string
	OutputStdoutPath      string
	OutputStderrPath      string
	OutputResultsDir      string
	ManifestPath          string
}

// Resolve computes the full path set for a task without creating
// anything on disk.
func (m *Manager) Resolve(taskID string) Paths {
	dir := m.TaskDir(taskID)
	input := filepath.Join(dir, "input")
	output := filepath.Join(dir, "output")
	meta := filepath.Join(dir, "meta")
	return Paths{
		Workdir:               dir,
		TaskInputPath:         filepath.Join(input, "task_input.json"),
		ArticlesIndexPath:     filepath.Join(input, "articles_index.json"),
		ContinuitySummaryPath: filepath.Join(input, "continuity_summary.json"),
		RetrievalContextPath:  filepath.Join(input, "retrieval_context.json"),
		StoryContextPath:      filepath.Join(input, "story_context.json"),
		InputResourcesDir:     filepath.Join(input, "resources"),
		TaskPromptPath:        filepath.Join(input, "task_prompt.txt"),
		OutputResultPath:      filepath.Join(output, "agent_result.json"),
		OutputStdoutPath:      filepath.Join(output, "agent_stdout.log"),
		OutputStderrPath:      filepath.Join(output, "agent_stderr.log"),
		OutputResultsDir:      filepath.Join(output, "results"),
		ManifestPath:          filepath.Join(meta, "task_manifest.json"),
	}
}

// CreateOptions controls which optional v2/v3 contract paths a new
// workdir materializes.
type CreateOptions struct {
	ContractVersion    int // 1, 2, or 3
	WithResourcesDir   bool
	WithResultsDir     bool
	OutputSchemaHint   string
}

// Create materializes the directory tree and manifest for a new task.
func (m *Manager) Create(taskID, taskType string, input TaskInput, articles []ArticleIndexEntry, opts CreateOptions) (Paths, error) {
	paths := m.Resolve(taskID)

	for _, dir := range []string{
		filepath.Join(paths.Workdir, "input"),
		filepath.Join(paths.Workdir, "output"),
		filepath.Join(paths.Workdir, "meta"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := WriteTaskInput(paths.TaskInputPath, input); err != nil {
		return Paths{}, err
	}
	if err := WriteArticlesIndex(paths.ArticlesIndexPath, articles); err != nil {
		return Paths{}, err
	}

	manifest := Manifest{
		ContractVersion:   opts.ContractVersion,
		TaskID:            taskID,
		TaskType:          taskType,
		Workdir:           paths.Workdir,
		TaskInputPath:     paths.TaskInputPath,
		ArticlesIndexPath: paths.ArticlesIndexPath,
		OutputResultPath:  paths.OutputResultPath,
		OutputStdoutPath:  paths.OutputStdoutPath,
		OutputStderrPath:  paths.OutputStderrPath,
	}
	if manifest.ContractVersion < 1 {
		manifest.ContractVersion = 1
	}
	if manifest.ContractVersion >= 2 {
		manifest.ContinuitySummaryPath = &paths.ContinuitySummaryPath
		manifest.RetrievalContextPath = &paths.RetrievalContextPath
		manifest.StoryContextPath = &paths.StoryContextPath
	}
	if manifest.ContractVersion >= 3 {
		if opts.WithResourcesDir {
			if err := os.MkdirAll(paths.InputResourcesDir, 0o755); err != nil {
				return Paths{}, fmt.Errorf("creating resources dir: %w", err)
			}
			manifest.InputResourcesDir = &paths.InputResourcesDir
		}
		if opts.WithResultsDir {
			if err := os.MkdirAll(paths.OutputResultsDir, 0o755); err != nil {
				return Paths{}, fmt.Errorf("creating results dir: %w", err)
			}
			manifest.OutputResultsDir = &paths.OutputResultsDir
		}
		if opts.OutputSchemaHint != "" {
			manifest.OutputSchemaHint = &opts.OutputSchemaHint
		}
	}

	if err := WriteManifest(paths.ManifestPath, manifest); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

// RemoveAll deletes a task's entire workdir tree. Best-effort cleanup,
// e.g. after a terminal task status that does not need its artifacts
// retained beyond what was already copied into LlmTaskArtifact rows.
func (m *Manager) RemoveAll(taskID string) error {
	return os.RemoveAll(m.TaskDir(taskID))
}
