package dedup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/andgineer/news-recap/internal/metrics"
	"github.com/andgineer/news-recap/internal/models"
)

// EmbeddingSchemaVersion is appended to the embedder's model name to
// form the storage key <model_name>@title-clean-v1. Bumping it
// invalidates the cache if the embedding text construction ever
// changes.
const EmbeddingSchemaVersion = "title-clean-v1"

// DefaultLookbackDays bounds how far back candidates are pulled for a
// dedup pass.
const DefaultLookbackDays = 3

// DefaultCandidateLimit caps how many candidates one dedup pass loads.
const DefaultCandidateLimit = 2000

// DefaultThreshold is the cosine similarity cutoff at or above which two
// articles are linked into the same cluster.
const DefaultThreshold = 0.86

// DefaultEmbeddingTTL is how long a cached embedding remains valid
// before it is recomputed.
const DefaultEmbeddingTTL = 30 * 24 * time.Hour

// Repository is the subset of repository.Repository the dedup engine
// depends on.
type Repository interface {
	ListRecentArticleCandidates(ctx context.Context, userID string, since time.Time, limit int) ([]models.DedupCandidate, error)
	GetArticleEmbedding(ctx context.Context, articleID, modelName string) (models.ArticleEmbedding, bool, error)
	SaveArticleEmbedding(ctx context.Context, embedding models.ArticleEmbedding) error
	SaveDedupClusters(ctx context.Context, userID, runID string, clusters []models.DedupCluster) error
}

// Options configures an Engine.
type Options struct {
	LookbackDays   int
	CandidateLimit int
	Threshold      float64
	EmbeddingTTL   time.Duration
}

func (o Options) withDefaults() Options {
	if o.LookbackDays <= 0 {
		o.LookbackDays = DefaultLookbackDays
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = DefaultCandidateLimit
	}
	if o.Threshold <= 0 || o.Threshold > 1 {
		o.Threshold = DefaultThreshold
	}
	if o.EmbeddingTTL <= 0 {
		o.EmbeddingTTL = DefaultEmbeddingTTL
	}
	return o
}

// Engine runs one dedup pass at a time, grouping semantically similar
// articles into clusters.
type Engine struct {
	repo     Repository
	embedder Embedder
	opts     Options
}

// NewEngine builds an Engine over the given embedder.
func NewEngine(repo Repository, embedder Embedder, opts Options) *Engine {
	return &Engine{repo: repo, embedder: embedder, opts: opts.withDefaults()}
}

// Run loads recent candidates for userID, embeds and clusters them,
// persists the clusters scoped to runID, and returns the cluster and
// duplicate counts that feed IngestionRun.Counters.
func (e *Engine) Run(ctx context.Context, userID, runID string) (clusters int, duplicates int, err error) {
	since := time.Now().UTC().AddDate(0, 0, -e.opts.LookbackDays)
	candidates, err := e.repo.ListRecentArticleCandidates(ctx, userID, since, e.opts.CandidateLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("loading dedup candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	vectors, err := e.loadOrComputeVectors(ctx, candidates)
	if err != nil {
		return 0, 0, err
	}

	components := e.buildComponents(candidates, vectors)

	modelName := e.storageModelName()
	result := make([]models.DedupCluster, 0, len(components))
	for _, component := range components {
		cluster := e.buildCluster(candidates, vectors, component, modelName)
		result = append(result, cluster)
		marked := len(cluster.Members) - 1
		duplicates += marked
		if marked > 0 {
			metrics.DedupClusterFormed(marked)
		}
	}

	if err := e.repo.SaveDedupClusters(ctx, userID, runID, result); err != nil {
		return 0, 0, fmt.Errorf("saving dedup clusters for run %s: %w", runID, err)
	}

	return len(result), duplicates, nil
}

func (e *Engine) storageModelName() string {
	return e.embedder.ModelName() + "@" + EmbeddingSchemaVersion
}

// loadOrComputeVectors returns one vector per candidate, in order,
// reusing any TTL-fresh cached embedding and computing the rest in a
// single embedder batch call.
func (e *Engine) loadOrComputeVectors(ctx context.Context, candidates []models.DedupCandidate) ([][]float32, error) {
	modelName := e.storageModelName()
	vectors := make([][]float32, len(candidates))
	var missingIdx []int
	var missingTexts []string

	for i, candidate := range candidates {
		cached, ok, err := e.repo.GetArticleEmbedding(ctx, candidate.ArticleID, modelName)
		if err != nil {
			return nil, fmt.Errorf("loading cached embedding for %s: %w", candidate.ArticleID, err)
		}
		if ok {
			vectors[i] = DecodeVector(cached.Blob)
			continue
		}
		missingIdx = append(missingIdx, i)
		missingTexts = append(missingTexts, embeddingText(candidate))
	}

	if len(missingIdx) == 0 {
		return vectors, nil
	}

	computed, err := e.embedder.Embed(ctx, missingTexts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d candidates: %w", len(missingTexts), err)
	}

	expiresAt := time.Now().UTC().Add(e.opts.EmbeddingTTL)
	for j, idx := range missingIdx {
		vectors[idx] = computed[j]
		err := e.repo.SaveArticleEmbedding(ctx, models.ArticleEmbedding{
			ArticleID: candidates[idx].ArticleID,
			ModelName: modelName,
			Dim:       len(computed[j]),
			Blob:      EncodeVector(computed[j]),
			ExpiresAt: &expiresAt,
		})
		if err != nil {
			return nil, fmt.Errorf("caching embedding for %s: %w", candidates[idx].ArticleID, err)
		}
	}
	return vectors, nil
}

// embeddingText builds the text an article is embedded from: title
// + ". " + clean_text when both are present, else whichever is
// non-empty, else a sentinel [article:{id}].
func embeddingText(candidate models.DedupCandidate) string {
	title := strings.TrimSpace(candidate.Title)
	text := strings.TrimSpace(candidate.CleanText)
	switch {
	case title != "" && text != "":
		return title + ". " + text
	case title != "":
		return title
	case text != "":
		return text
	default:
		return fmt.Sprintf("[article:%s]", candidate.ArticleID)
	}
}

// buildComponents links candidate pairs with cosine similarity at or
// above the threshold and extracts connected components by BFS.
func (e *Engine) buildComponents(candidates []models.DedupCandidate, vectors [][]float32) [][]int {
	n := len(candidates)
	adjacency := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if CosineSimilarity(vectors[i], vectors[j]) >= e.opts.Threshold {
				adjacency[i] = append(adjacency[i], j)
				adjacency[j] = append(adjacency[j], i)
			}
		}
	}

	visited := make([]bool, n)
	var components [][]int
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		component := bfs(i, adjacency, visited)
		components = append(components, component)
	}
	return components
}

func bfs(start int, adjacency [][]int, visited []bool) []int {
	queue := []int{start}
	visited[start] = true
	var component []int
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		component = append(component, node)
		for _, neighbor := range adjacency[node] {
			if !visited[neighbor] {
				visited[neighbor] = true
				queue = append(queue, neighbor)
			}
		}
	}
	return component
}

// buildCluster elects a representative and computes member similarity
// scores for one connected component.
func (e *Engine) buildCluster(candidates []models.DedupCandidate, vectors [][]float32, component []int, modelName string) models.DedupCluster {
	repIdx := component[0]
	for _, idx := range component[1:] {
		if isBetterRepresentative(candidates[idx], candidates[repIdx]) {
			repIdx = idx
		}
	}

	memberIDs := make([]string, len(component))
	for i, idx := range component {
		memberIDs[i] = candidates[idx].ArticleID
	}
	sort.Strings(memberIDs)

	clusterID := "cluster:" + sha1Hex(strings.Join(memberIDs, ","))

	members := make([]models.ClusterMember, 0, len(component))
	altSeen := map[string]bool{}
	var altSources []models.AltSource
	repVector := vectors[repIdx]

	for _, idx := range component {
		isRep := idx == repIdx
		similarity := 1.0
		if !isRep {
			similarity = CosineSimilarity(vectors[idx], repVector)
			key := candidates[idx].URL
			if key != "" && !altSeen[key] {
				altSeen[key] = true
				altSources = append(altSources, models.AltSource{URL: candidates[idx].URL, Domain: candidates[idx].SourceDomain})
			}
		}
		members = append(members, models.ClusterMember{
			ArticleID:                  candidates[idx].ArticleID,
			SimilarityToRepresentative: similarity,
			IsRepresentative:           isRep,
		})
	}

	sort.Slice(members, func(i, j int) bool { return members[i].ArticleID < members[j].ArticleID })

	return models.DedupCluster{
		ClusterID:               clusterID,
		RepresentativeArticleID: candidates[repIdx].ArticleID,
		ModelName:               modelName,
		Threshold:               e.opts.Threshold,
		AltSources:              altSources,
		Members:                 members,
	}
}

// isBetterRepresentative implements the representative selection
// rule: maximum clean_text_chars, tie-break by earliest
// published_at, then lexicographic article_id.
func isBetterRepresentative(candidate, current models.DedupCandidate) bool {
	if candidate.CleanTextChars != current.CleanTextChars {
		return candidate.CleanTextChars > current.CleanTextChars
	}
	if !candidate.PublishedAt.Equal(current.PublishedAt) {
		return candidate.PublishedAt.Before(current.PublishedAt)
	}
	return candidate.ArticleID < current.ArticleID
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
