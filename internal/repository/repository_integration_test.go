//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/andgineer/news-recap/internal/database"
	"github.com/andgineer/news-recap/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestRepository starts a throwaway Postgres container, applies the
// schema migrations directly via the pool (bypassing database.NewClient
// so tests don't depend on its env-var loading), and returns a
// Repository wired to it.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.Migrate(connStr, "test"))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return New(pool)
}

func seedUser(t *testing.T, ctx context.Context, repo *Repository, userID string) {
	t.Helper()
	require.NoError(t, repo.EnsureUser(ctx, userID, "Test User"))
}

func TestRepository_EnqueueAndClaimTask(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedUser(t, ctx, repo, "user-1")

	created, err := repo.EnqueueTask(ctx, models.LlmTaskCreate{
		UserID: "user-1", TaskType: "recap_classify", MaxAttempts: 3,
		TimeoutSeconds: 60, InputManifestPath: "/tmp/manifest.json",
	})
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusQueued, created.Status)

	claimed, err := repo.ClaimNextReadyTask(ctx, "user-1", "worker-1")
	require.NoError(t, err)
	require.Equal(t, created.TaskID, claimed.TaskID)
	require.Equal(t, models.TaskStatusRunning, claimed.Status)
	require.Equal(t, 1, claimed.Attempt)

	_, err = repo.ClaimNextReadyTask(ctx, "user-1", "worker-2")
	require.ErrorIs(t, err, ErrNoTaskReady)

	ok, err := repo.CompleteTask(ctx, claimed.TaskID, "/tmp/output.json")
	require.NoError(t, err)
	require.True(t, ok)

	final, err := repo.GetTask(ctx, claimed.TaskID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusSucceeded, final.Status)
}

func TestRepository_ScheduleRetryRequeues(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedUser(t, ctx, repo, "user-1")

	created, err := repo.EnqueueTask(ctx, models.LlmTaskCreate{
		UserID: "user-1", TaskType: "recap_enrich", MaxAttempts: 3,
		TimeoutSeconds: 30, InputManifestPath: "/tmp/manifest.json",
	})
	require.NoError(t, err)

	claimed, err := repo.ClaimNextReadyTask(ctx, "user-1", "worker-1")
	require.NoError(t, err)

	runAfter := time.Now().Add(time.Minute)
	ok, err := repo.ScheduleRetry(ctx, claimed.TaskID, runAfter, 45, models.FailureClassBackendTransient, "transient backend error", nil)
	require.NoError(t, err)
	require.True(t, ok)

	requeued, err := repo.GetTask(ctx, created.TaskID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusQueued, requeued.Status)
	require.Equal(t, 45, requeued.TimeoutSeconds)
	require.Nil(t, requeued.WorkerID)
}

func TestRepository_UpsertArticle_InsertThenSkipThenUpdate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedUser(t, ctx, repo, "user-1")

	article := models.NormalizedArticle{
		SourceName: "example-feed", ExternalID: "example-feed:guid-1",
		URL: "https://example.com/a", URLCanonical: "https://example.com/a",
		URLHash: "hash-a", Title: "Title A", SourceDomain: "example.com",
		PublishedAt: time.Now().UTC().Truncate(time.Second),
		CleanText:   "clean text", CleanTextChars: 10,
	}

	first, err := repo.UpsertArticle(ctx, "user-1", article, "run-1")
	require.NoError(t, err)
	require.Equal(t, models.UpsertActionInserted, first.Action)

	second, err := repo.UpsertArticle(ctx, "user-1", article, "run-2")
	require.NoError(t, err)
	require.Equal(t, models.UpsertActionSkipped, second.Action)
	require.Equal(t, first.ArticleID, second.ArticleID)

	article.Title = "Title A Updated"
	third, err := repo.UpsertArticle(ctx, "user-1", article, "run-3")
	require.NoError(t, err)
	require.Equal(t, models.UpsertActionUpdated, third.Action)
	require.Equal(t, first.ArticleID, third.ArticleID)
}

func TestRepository_UpsertArticle_GeneratedIDPromotedToStable(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedUser(t, ctx, repo, "user-1")

	published := time.Now().UTC().Truncate(time.Second)
	generated := models.NormalizedArticle{
		SourceName: "example-feed", ExternalID: "generated:abc123",
		URL: "https://example.com/b", URLCanonical: "https://example.com/b",
		URLHash: "hash-b", Title: "Title B", SourceDomain: "example.com",
		PublishedAt: published,
	}
	first, err := repo.UpsertArticle(ctx, "user-1", generated, "run-1")
	require.NoError(t, err)
	require.Equal(t, models.UpsertActionInserted, first.Action)

	stable := generated
	stable.ExternalID = "example-feed:guid-stable"
	second, err := repo.UpsertArticle(ctx, "user-1", stable, "run-2")
	require.NoError(t, err)
	require.Equal(t, first.ArticleID, second.ArticleID)

	loaded, err := repo.GetArticleByID(ctx, first.ArticleID)
	require.NoError(t, err)
	require.Equal(t, "Title B", loaded.Title)
}

func TestRepository_UpsertArticle_SecondUserGetsOwnInsertedLink(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedUser(t, ctx, repo, "user-1")
	seedUser(t, ctx, repo, "user-2")

	article := models.NormalizedArticle{
		SourceName: "example-feed", ExternalID: "example-feed:guid-shared",
		URL: "https://example.com/c", URLCanonical: "https://example.com/c",
		URLHash: "hash-c", Title: "Title C", SourceDomain: "example.com",
		PublishedAt: time.Now().UTC().Truncate(time.Second),
	}

	first, err := repo.UpsertArticle(ctx, "user-1", article, "run-1")
	require.NoError(t, err)
	require.Equal(t, models.UpsertActionInserted, first.Action)

	second, err := repo.UpsertArticle(ctx, "user-2", article, "run-2")
	require.NoError(t, err)
	require.Equal(t, models.UpsertActionInserted, second.Action)
	require.Equal(t, first.ArticleID, second.ArticleID)
}
