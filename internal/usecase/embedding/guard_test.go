package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/metrics"
)

// mockEmbedder returns vec for every text, or err when set.
type mockEmbedder struct {
	mu         sync.Mutex
	vec        []float32
	err        error
	delay      time.Duration
	batchCalls int
	batchSizes []int
}

func (m *mockEmbedder) Embed(ctx context.Context, _ string) (domain.EmbeddingResult, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return domain.EmbeddingResult{}, ctx.Err()
		}
	}
	if m.err != nil {
		return domain.EmbeddingResult{}, m.err
	}
	return domain.EmbeddingResult{Embedding: m.vec, PromptTokens: 1, TotalTokens: 1}, nil
}

// vecBatchEmbedder encodes each text's position into its vector so ordering is checkable.
type vecBatchEmbedder struct {
	mockEmbedder
	texts map[string]int
}

func (m *vecBatchEmbedder) BatchEmbed(_ context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	m.mu.Lock()
	m.batchCalls++
	m.batchSizes = append(m.batchSizes, len(texts))
	m.mu.Unlock()
	if m.err != nil {
		return domain.BatchEmbeddingResult{}, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(m.texts[t]) + 1, 0}
	}
	return domain.BatchEmbeddingResult{Embeddings: out, TotalTokens: len(texts)}, nil
}

func newGuard(inner domain.Embedder, cfg GuardConfig) *Guard {
	if cfg.Provider == "" {
		cfg.Provider = "mock"
	}
	if cfg.Model == "" {
		cfg.Model = "mock-model"
	}
	return NewGuard(inner, cfg, zap.NewNop())
}

func TestGuard_Embed_Success(t *testing.T) {
	g := newGuard(&mockEmbedder{vec: []float32{0.6, 0.8}}, GuardConfig{Dimension: 2, Provider: "ok-test"})

	ctx, usage := domain.NewContextWithUsage(context.Background())
	res, err := g.Embed(ctx, "cardiomegaly")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Embedding) != 2 {
		t.Fatalf("expected 2 dims, got %d", len(res.Embedding))
	}
	if usage.TotalTokens != 1 {
		t.Errorf("expected usage collected, got %+v", usage)
	}
	if v := testutil.ToFloat64(metrics.EmbeddingRequestsTotal.WithLabelValues("ok-test", "mock-model", "ok")); v != 1 {
		t.Errorf("expected one ok request, got %f", v)
	}
}

func TestGuard_Embed_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		inner   *mockEmbedder
		text    string
		wantErr error
	}{
		{"blank text", &mockEmbedder{vec: []float32{1, 0}}, "  \t", domain.ErrEmbedding},
		{"zero vector", &mockEmbedder{vec: []float32{0, 0}}, "x", domain.ErrEmbedding},
		{"wrong dimension", &mockEmbedder{vec: []float32{1, 0, 0}}, "x", domain.ErrDimensionMismatch},
		{"provider failure", &mockEmbedder{err: fmt.Errorf("boom: %w", domain.ErrEmbeddingProviderError)}, "x", domain.ErrEmbeddingProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGuard(tt.inner, GuardConfig{Dimension: 2})
			if _, err := g.Embed(context.Background(), tt.text); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGuard_Embed_Timeout(t *testing.T) {
	g := newGuard(&mockEmbedder{vec: []float32{1}, delay: time.Second}, GuardConfig{
		Dimension: 1,
		Timeout:   10 * time.Millisecond,
		Provider:  "slow-test",
	})

	_, err := g.Embed(context.Background(), "slow")
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if v := testutil.ToFloat64(metrics.EmbeddingErrorsTotal.WithLabelValues("slow-test", "mock-model", "timeout")); v != 1 {
		t.Errorf("expected timeout error metric, got %f", v)
	}
}

func TestGuard_BatchEmbed_ChunksInOrder(t *testing.T) {
	texts := make([]string, 10)
	inner := &vecBatchEmbedder{texts: map[string]int{}}
	for i := range texts {
		texts[i] = fmt.Sprintf("report %d", i)
		inner.texts[texts[i]] = i
	}
	g := newGuard(inner, GuardConfig{Dimension: 2, MaxBatchSize: 3, Parallelism: 3})

	res, err := g.BatchEmbed(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.batchCalls != 4 {
		t.Errorf("expected 4 chunks, got %d", inner.batchCalls)
	}
	if len(res.Embeddings) != len(texts) {
		t.Fatalf("expected %d embeddings, got %d", len(texts), len(res.Embeddings))
	}
	for i, v := range res.Embeddings {
		if v[0] != float32(i)+1 {
			t.Errorf("embedding %d belongs to text %v", i, v[0]-1)
		}
	}
	if res.TotalTokens != 10 {
		t.Errorf("expected 10 tokens, got %d", res.TotalTokens)
	}
}

func TestGuard_BatchEmbed_FailureDiscardsBatch(t *testing.T) {
	inner := &vecBatchEmbedder{mockEmbedder: mockEmbedder{err: fmt.Errorf("down: %w", domain.ErrEmbeddingProviderError)}}
	g := newGuard(inner, GuardConfig{Dimension: 2, MaxBatchSize: 1})

	res, err := g.BatchEmbed(context.Background(), []string{"a", "b"})
	if !errors.Is(err, domain.ErrEmbeddingProviderError) {
		t.Fatalf("expected ErrEmbeddingProviderError, got %v", err)
	}
	if res.Embeddings != nil {
		t.Errorf("expected no embeddings on failure, got %v", res.Embeddings)
	}
}

func TestGuard_BatchEmbed_BlankMember(t *testing.T) {
	inner := &vecBatchEmbedder{texts: map[string]int{}}
	g := newGuard(inner, GuardConfig{Dimension: 2})

	if _, err := g.BatchEmbed(context.Background(), []string{"a", ""}); !errors.Is(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if inner.batchCalls != 0 {
		t.Error("provider must not be called for an invalid batch")
	}
}

func TestGuard_BatchEmbed_FallbackWithoutNativeBatch(t *testing.T) {
	g := newGuard(&mockEmbedder{vec: []float32{1, 1}}, GuardConfig{Dimension: 2, MaxBatchSize: 2})

	res, err := g.BatchEmbed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Embeddings) != 3 || res.TotalTokens != 3 {
		t.Errorf("unexpected result: %d embeddings, %d tokens", len(res.Embeddings), res.TotalTokens)
	}
}

func TestGuard_BatchEmbed_Empty(t *testing.T) {
	g := newGuard(&mockEmbedder{}, GuardConfig{Dimension: 2})
	res, err := g.BatchEmbed(context.Background(), nil)
	if err != nil || res.Embeddings != nil {
		t.Errorf("expected empty result, got %v, %v", res, err)
	}
}
