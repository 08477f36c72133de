package backend

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReq(t *testing.T, template string) RunRequest {
	t.Helper()
	dir := t.TempDir()
	return RunRequest{
		TaskID:           "task-1",
		Agent:            "claude",
		Model:            "claude-3",
		ModelProfile:     "fast",
		CommandTemplate:  template,
		Prompt:           "hello world",
		PromptFilePath:   filepath.Join(dir, "input", "task_prompt.txt"),
		TaskManifestPath: filepath.Join(dir, "meta", "task_manifest.json"),
		Workdir:          dir,
		StdoutPath:       filepath.Join(dir, "output", "agent_stdout.log"),
		StderrPath:       filepath.Join(dir, "output", "agent_stderr.log"),
		Timeout:          5 * time.Second,
	}
}

func TestBuildRunArgs_RendersPlaceholders(t *testing.T) {
	req := testReq(t, "echo {model} {prompt_file}")
	argv, head, err := buildRunArgs(req)
	require.NoError(t, err)
	assert.Equal(t, "echo", head)
	assert.Equal(t, []string{"echo", "claude-3", req.PromptFilePath}, argv)
}

func TestBuildRunArgs_EmptyTemplateRejected(t *testing.T) {
	req := testReq(t, "   ")
	_, _, err := buildRunArgs(req)
	require.Error(t, err)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.False(t, runErr.Transient)
}

func TestBuildRunArgs_UnsupportedPlaceholderRejected(t *testing.T) {
	req := testReq(t, "echo {unknown_placeholder}")
	_, _, err := buildRunArgs(req)
	require.Error(t, err)
}

func TestBuildRunArgs_NoPlaceholdersRejected(t *testing.T) {
	req := testReq(t, "echo hi")
	_, _, err := buildRunArgs(req)
	require.Error(t, err)
}

func TestBuildRunArgs_PromptCarrierRequired(t *testing.T) {
	req := testReq(t, "echo {model}")
	_, _, err := buildRunArgs(req)
	require.Error(t, err)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.False(t, runErr.Transient)
}

func TestBuildRunArgs_QuotesValuesWithSpaces(t *testing.T) {
	req := testReq(t, "echo {prompt}")
	req.Prompt = "hello there"
	argv, _, err := buildRunArgs(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hello there"}, argv)
}

func TestCliAgentBackend_Run_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test command")
	}
	req := testReq(t, "echo {prompt}")
	backend := NewCliAgentBackend()
	result, err := backend.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.Contains(t, result.Stdout, "hello world")

	promptContents, readErr := os.ReadFile(req.PromptFilePath)
	require.NoError(t, readErr)
	assert.Equal(t, "hello world", string(promptContents))
}

func TestCliAgentBackend_Run_NonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test command")
	}
	req := testReq(t, "sh -c 'exit 7' {prompt}")
	backend := NewCliAgentBackend()
	result, err := backend.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitCode)
	assert.False(t, result.TimedOut)
}

func TestCliAgentBackend_Run_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test command")
	}
	req := testReq(t, "sh -c 'sleep 5' {prompt}")
	req.Timeout = 50 * time.Millisecond
	backend := NewCliAgentBackend()
	result, err := backend.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 124, result.ExitCode)
	assert.True(t, result.TimedOut)
}

func TestCliAgentBackend_Run_CommandNotFound(t *testing.T) {
	req := testReq(t, "definitely-not-a-real-binary-xyz {prompt}")
	backend := NewCliAgentBackend()
	_, err := backend.Run(context.Background(), req)
	require.Error(t, err)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.False(t, runErr.Transient)
}
