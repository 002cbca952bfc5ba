// Package lexical is an offline embedder that maps report text to a fixed-size
// vector by hashing unigram and bigram features. It needs no network and is
// deterministic across processes, so it doubles as the test and air-gapped
// embedding model.
package lexical

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/kailas-cloud/cxrag/internal/domain"
)

// ModelName identifies vectors produced by this embedder.
const ModelName = "lexical-hash-v1"

const bigramWeight = 0.5

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’]\p{L}+)*`)

// Embedder hashes text features into Dimension buckets.
type Embedder struct {
	dim       int
	stopwords map[string]struct{}
}

// New creates a lexical embedder producing vectors of length dim.
func New(dim int) (*Embedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("lexical dimension must be positive, got %d: %w", dim, domain.ErrInvalidInput)
	}
	return &Embedder{dim: dim, stopwords: defaultStopwords()}, nil
}

// Dimension returns the vector length.
func (e *Embedder) Dimension() int { return e.dim }

// Embed vectorizes one text. Text without any usable token fails with ErrEmbedding.
func (e *Embedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.EmbeddingResult{}, fmt.Errorf("lexical embed: %w", err)
	}
	tokens := e.tokenize(text)
	if len(tokens) == 0 {
		return domain.EmbeddingResult{}, fmt.Errorf("no indexable tokens in text: %w", domain.ErrEmbedding)
	}
	return domain.EmbeddingResult{
		Embedding:    e.vectorize(tokens),
		PromptTokens: len(tokens),
		TotalTokens:  len(tokens),
	}, nil
}

// BatchEmbed vectorizes texts in order. Any failing text fails the batch.
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	out := domain.BatchEmbeddingResult{Embeddings: make([][]float32, len(texts))}
	for i, text := range texts {
		res, err := e.Embed(ctx, text)
		if err != nil {
			return domain.BatchEmbeddingResult{}, fmt.Errorf("text [%d]: %w", i, err)
		}
		out.Embeddings[i] = res.Embedding
		out.PromptTokens += res.PromptTokens
		out.TotalTokens += res.TotalTokens
	}
	return out, nil
}

// HealthCheck always succeeds; the embedder has no external dependency.
func (e *Embedder) HealthCheck(context.Context) error { return nil }

func (e *Embedder) vectorize(tokens []string) []float32 {
	acc := make([]float64, e.dim)
	for i, tok := range tokens {
		e.add(acc, tok, 1)
		if i > 0 {
			e.add(acc, tokens[i-1]+" "+tok, bigramWeight)
		}
	}

	var sum float64
	for _, v := range acc {
		sum += v * v
	}
	n := math.Sqrt(sum)

	vec := make([]float32, e.dim)
	if n == 0 {
		// Every feature cancelled out. Fall back to the unsigned first bucket so
		// the vector stays usable under cosine distance.
		vec[xxhash.Sum64String(tokens[0])%uint64(e.dim)] = 1 //nolint:gosec // dim > 0
		return vec
	}
	for i, v := range acc {
		vec[i] = float32(v / n)
	}
	return vec
}

func (e *Embedder) add(acc []float64, feature string, weight float64) {
	h := xxhash.Sum64String(feature)
	bucket := h % uint64(len(acc)) //nolint:gosec // len > 0
	if h>>63 == 1 {
		weight = -weight
	}
	acc[bucket] += weight
}

func (e *Embedder) tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := e.stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "for", "to", "of", "in", "on", "at",
		"by", "as", "is", "are", "was", "were", "be", "been", "it", "this", "that", "these",
		"those", "from", "into", "than", "so", "such", "there", "which", "also",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
