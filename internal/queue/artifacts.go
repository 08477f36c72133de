package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/workdir"
)

// recordArtifacts persists LlmTaskArtifact pointers for the log files
// every completed backend run leaves behind, plus the result file when
// the task succeeded. Best-effort: a missing or unreadable file is
// skipped rather than failing a task that already reached a terminal
// status.
func (w *Worker) recordArtifacts(ctx context.Context, taskID string, manifest workdir.Manifest, includeResult bool) {
	w.recordArtifact(ctx, taskID, models.ArtifactKindStdoutLog, manifest.OutputStdoutPath)
	w.recordArtifact(ctx, taskID, models.ArtifactKindStderrLog, manifest.OutputStderrPath)
	if includeResult {
		w.recordArtifact(ctx, taskID, models.ArtifactKindOutputResult, manifest.OutputResultPath)
	}
}

func (w *Worker) recordArtifact(ctx context.Context, taskID string, kind models.ArtifactKind, path string) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	checksum, err := fileChecksum(path)
	if err != nil {
		return
	}
	if err := w.repo.AddArtifact(ctx, models.LlmTaskArtifact{
		TaskID:    taskID,
		Kind:      kind,
		Path:      path,
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}); err != nil {
		slog.Warn("recording task artifact failed", "worker_id", w.cfg.WorkerID, "task_id", taskID, "kind", kind, "error", err)
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
