package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeEngineRepo struct {
	candidates []models.DedupCandidate
	cached     map[string]models.ArticleEmbedding
	saved      []models.ArticleEmbedding
	clusters   []models.DedupCluster
}

func newFakeEngineRepo() *fakeEngineRepo {
	return &fakeEngineRepo{cached: map[string]models.ArticleEmbedding{}}
}

func (f *fakeEngineRepo) ListRecentArticleCandidates(ctx context.Context, userID string, since time.Time, limit int) ([]models.DedupCandidate, error) {
	return f.candidates, nil
}

func (f *fakeEngineRepo) GetArticleEmbedding(ctx context.Context, articleID, modelName string) (models.ArticleEmbedding, bool, error) {
	e, ok := f.cached[articleID+"@"+modelName]
	return e, ok, nil
}

func (f *fakeEngineRepo) SaveArticleEmbedding(ctx context.Context, embedding models.ArticleEmbedding) error {
	f.saved = append(f.saved, embedding)
	f.cached[embedding.ArticleID+"@"+embedding.ModelName] = embedding
	return nil
}

func (f *fakeEngineRepo) SaveDedupClusters(ctx context.Context, userID, runID string, clusters []models.DedupCluster) error {
	f.clusters = clusters
	return nil
}

func candidate(id, title, cleanText string, chars int, publishedAt time.Time) models.DedupCandidate {
	return models.DedupCandidate{
		ArticleID:      id,
		Title:          title,
		CleanText:      cleanText,
		CleanTextChars: chars,
		PublishedAt:    publishedAt,
		URL:            "https://example.com/" + id,
	}
}

func TestEngineRunClustersNearDuplicateTitles(t *testing.T) {
	repo := newFakeEngineRepo()
	now := time.Now().UTC()
	repo.candidates = []models.DedupCandidate{
		candidate("a1", "Senate passes budget bill", "the senate passed the bill today", 100, now),
		candidate("a2", "Senate passes budget bill", "the senate passed the bill today", 50, now.Add(time.Minute)),
		candidate("a3", "Local team wins championship game", "completely unrelated sports story", 80, now),
	}

	embedder := NewHashingEmbedder("hashing-test", 128, 3)
	engine := NewEngine(repo, embedder, Options{})

	clusters, duplicates, err := engine.Run(context.Background(), "user-1", "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, clusters)
	require.Equal(t, 1, duplicates)
	require.Len(t, repo.clusters, 2)

	var dupCluster models.DedupCluster
	for _, c := range repo.clusters {
		if len(c.Members) == 2 {
			dupCluster = c
		}
	}
	require.Len(t, dupCluster.Members, 2)
	require.Equal(t, "a1", dupCluster.RepresentativeArticleID, "a1 has more clean_text_chars, should win representative")
}

func TestEngineRunReusesCachedEmbeddings(t *testing.T) {
	repo := newFakeEngineRepo()
	now := time.Now().UTC()
	repo.candidates = []models.DedupCandidate{
		candidate("a1", "A story", "body text", 10, now),
	}
	embedder := NewHashingEmbedder("hashing-test", 64, 3)
	engine := NewEngine(repo, embedder, Options{})
	modelName := embedder.ModelName() + "@" + EmbeddingSchemaVersion

	vec := []float32{1, 0, 0}
	repo.cached["a1@"+modelName] = models.ArticleEmbedding{ArticleID: "a1", ModelName: modelName, Blob: EncodeVector(vec)}

	_, _, err := engine.Run(context.Background(), "user-1", "run-1")
	require.NoError(t, err)
	require.Empty(t, repo.saved, "cached embedding should not be recomputed or resaved")
}

func TestEngineRunWithNoCandidatesIsNoop(t *testing.T) {
	repo := newFakeEngineRepo()
	embedder := NewHashingEmbedder("hashing-test", 64, 3)
	engine := NewEngine(repo, embedder, Options{})

	clusters, duplicates, err := engine.Run(context.Background(), "user-1", "run-1")
	require.NoError(t, err)
	require.Equal(t, 0, clusters)
	require.Equal(t, 0, duplicates)
	require.Nil(t, repo.clusters)
}

func TestIsBetterRepresentativePrefersMoreCleanTextChars(t *testing.T) {
	now := time.Now().UTC()
	a := candidate("a", "t", "x", 200, now)
	b := candidate("b", "t", "x", 100, now)
	require.True(t, isBetterRepresentative(a, b))
	require.False(t, isBetterRepresentative(b, a))
}

func TestIsBetterRepresentativeTieBreaksByEarlierPublishedAt(t *testing.T) {
	now := time.Now().UTC()
	a := candidate("a", "t", "x", 100, now)
	b := candidate("b", "t", "x", 100, now.Add(time.Hour))
	require.True(t, isBetterRepresentative(a, b))
}

func TestIsBetterRepresentativeTieBreaksByArticleID(t *testing.T) {
	now := time.Now().UTC()
	a := candidate("a", "t", "x", 100, now)
	b := candidate("b", "t", "x", 100, now)
	require.True(t, isBetterRepresentative(a, b))
	require.False(t, isBetterRepresentative(b, a))
}

func TestCosineSimilarityOfIdenticalVectorsIsOne(t *testing.T) {
	v := []float32{0.6, 0.8}
	require.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-6)
}

func TestCosineSimilarityOfMismatchedLengthIsZero(t *testing.T) {
	require.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1}))
}

func TestEncodeDecodeVectorRoundTrips(t *testing.T) {
	v := []float32{0.1, -0.2, 3.5}
	require.Equal(t, v, DecodeVector(EncodeVector(v)))
}
