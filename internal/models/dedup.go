package models

import "time"

// DedupCandidate is one article considered for a dedup run.
type DedupCandidate struct {
	ArticleID      string
	Title          string
	PublishedAt    time.Time
	URL            string
	SourceDomain   string
	CleanText      string
	CleanTextChars int
}

// ClusterMember is one article's membership in a dedup cluster.
type ClusterMember struct {
	ArticleID              string
	SimilarityToRepresentative float64
	IsRepresentative       bool
}

// AltSource is an alternate (url, domain) pair contributing to a cluster.
type AltSource struct {
	URL    string
	Domain string
}

// DedupCluster is a connected component of semantically similar
// articles, scoped to one (user_id, run_id) dedup pass.
type DedupCluster struct {
	UserID                  string
	RunID                   string
	ClusterID               string
	RepresentativeArticleID string
	ModelName               string
	Threshold               float64
	AltSources              []AltSource
	Members                 []ClusterMember
}

// ArticleEmbedding is a persisted embedding vector for one article.
type ArticleEmbedding struct {
	ArticleID string
	ModelName string
	Dim       int
	Blob      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}
