package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/rss"
	"github.com/stretchr/testify/require"
)

type fakeOrchRepo struct {
	run models.IngestionRun

	gaps        []models.IngestionGap
	createdGaps []models.IngestionGap
	resolvedGaps []int64

	upserted []models.NormalizedArticle
	finished *models.RunStatus
}

func (f *fakeOrchRepo) StartRun(ctx context.Context, userID, source string, staleAfter time.Duration) (models.IngestionRun, error) {
	f.run = models.IngestionRun{RunID: "run-1", UserID: userID, Source: source, Status: models.RunStatusRunning, StartedAt: time.Now().UTC()}
	return f.run, nil
}

func (f *fakeOrchRepo) TouchRun(ctx context.Context, runID string, at time.Time) error { return nil }

func (f *fakeOrchRepo) FinishRun(ctx context.Context, runID string, status models.RunStatus, counters models.RunCounters, errorSummary *string, finishedAt time.Time) error {
	f.finished = &status
	f.run.Counters = counters
	f.run.ErrorSummary = errorSummary
	return nil
}

func (f *fakeOrchRepo) CreateGap(ctx context.Context, gap models.IngestionGap) (int64, error) {
	gap.GapID = int64(len(f.createdGaps) + 1)
	f.createdGaps = append(f.createdGaps, gap)
	return gap.GapID, nil
}

func (f *fakeOrchRepo) ListOpenGaps(ctx context.Context, userID, source string, limit int) ([]models.IngestionGap, error) {
	return f.gaps, nil
}

func (f *fakeOrchRepo) ResolveGap(ctx context.Context, gapID int64) error {
	f.resolvedGaps = append(f.resolvedGaps, gapID)
	return nil
}

func (f *fakeOrchRepo) UpsertArticle(ctx context.Context, userID string, article models.NormalizedArticle, runID string) (models.UpsertResult, error) {
	f.upserted = append(f.upserted, article)
	return models.UpsertResult{ArticleID: article.ExternalID, Action: models.UpsertActionInserted}, nil
}

func (f *fakeOrchRepo) UpsertRawArticle(ctx context.Context, sourceName, externalID string, payload map[string]any) error {
	return nil
}

// fakeSource serves a fixed sequence of pages keyed by cursor ("" for
// the initial page), optionally failing once with a TemporarySourceError.
type fakeSource struct {
	pages    map[string]models.SourcePage
	failOn   string
	failErr  *rss.TemporarySourceError
	fetched  []string
	marked   []*string
}

func (s *fakeSource) BeginRun() {}

func (s *fakeSource) FetchPage(ctx context.Context, cursor *string, limit int) (models.SourcePage, error) {
	key := ""
	if cursor != nil {
		key = *cursor
	}
	s.fetched = append(s.fetched, key)
	if s.failOn == key && s.failErr != nil {
		return models.SourcePage{}, s.failErr
	}
	return s.pages[key], nil
}

func (s *fakeSource) MarkPageProcessed(ctx context.Context, nextCursor *string) error {
	s.marked = append(s.marked, nextCursor)
	return nil
}

type fakeDedup struct {
	clusters, duplicates int
	err                  error
}

func (d *fakeDedup) Run(ctx context.Context, userID, runID string) (int, int, error) {
	return d.clusters, d.duplicates, d.err
}

func TestOrchestratorRunSingleCleanPage(t *testing.T) {
	repo := &fakeOrchRepo{}
	source := &fakeSource{
		pages: map[string]models.SourcePage{
			"": {Articles: []models.SourceArticle{
				{ExternalID: "a1", URL: "https://example.com/a1", Title: "A1", PublishedAt: time.Now()},
				{ExternalID: "a2", URL: "https://example.com/a2", Title: "A2", PublishedAt: time.Now()},
			}, NextCursor: nil},
		},
	}
	dedup := &fakeDedup{clusters: 1, duplicates: 0}
	orch := NewOrchestrator(repo, source, dedup, nil, nil, Options{})

	run, err := orch.Run(context.Background(), "user-1", "hn")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusSucceeded, run.Status)
	require.Equal(t, 2, run.Counters.Ingested)
	require.Equal(t, 1, run.Counters.DedupClusters)
	require.Len(t, repo.upserted, 2)
}

func TestOrchestratorRunOpensGapOnTemporaryError(t *testing.T) {
	repo := &fakeOrchRepo{}
	source := &fakeSource{
		failOn: "",
		failErr: &rss.TemporarySourceError{Code: "rate_limited"},
	}
	dedup := &fakeDedup{}
	orch := NewOrchestrator(repo, source, dedup, nil, nil, Options{})

	run, err := orch.Run(context.Background(), "user-1", "hn")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusPartial, run.Status)
	require.Equal(t, 1, run.Counters.GapsOpened)
	require.Len(t, repo.createdGaps, 1)
	require.Equal(t, "rate_limited", repo.createdGaps[0].ErrorCode)
}

func TestOrchestratorRunFailsOnDedupError(t *testing.T) {
	repo := &fakeOrchRepo{}
	source := &fakeSource{} // no page registered for "" -> zero-value page, then the dedup stage fails
	dedup := &fakeDedup{err: errBoom{}}
	orch := NewOrchestrator(repo, source, dedup, nil, nil, Options{})

	run, err := orch.Run(context.Background(), "user-1", "hn")
	require.Error(t, err)
	require.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorSummary)
}

type errBoom struct{}

func (errBoom) Error() string { return "dedup exploded" }

func TestOrchestratorResolvesGapOnSuccessfulSeed(t *testing.T) {
	repo := &fakeOrchRepo{
		gaps: []models.IngestionGap{{GapID: 7, FromCursor: nil}},
	}
	source := &fakeSource{
		pages: map[string]models.SourcePage{
			"": {Articles: nil, NextCursor: nil},
		},
	}
	dedup := &fakeDedup{}
	orch := NewOrchestrator(repo, source, dedup, nil, nil, Options{})

	run, err := orch.Run(context.Background(), "user-1", "hn")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusSucceeded, run.Status)
	require.Contains(t, repo.resolvedGaps, int64(7))
}
