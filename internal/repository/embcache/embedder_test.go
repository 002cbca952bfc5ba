package embcache

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/db"
	"github.com/kailas-cloud/cxrag/internal/domain"
)

// countingEmbedder maps each text to a one-element vector of its length.
type countingEmbedder struct {
	calls      int
	batchCalls int
	batchTexts []string
	err        error
}

func (m *countingEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	m.calls++
	if m.err != nil {
		return domain.EmbeddingResult{}, m.err
	}
	return domain.EmbeddingResult{Embedding: []float32{float32(len(text))}, TotalTokens: 3}, nil
}

func (m *countingEmbedder) BatchEmbed(_ context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	m.batchCalls++
	m.batchTexts = texts
	if m.err != nil {
		return domain.BatchEmbeddingResult{}, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return domain.BatchEmbeddingResult{Embeddings: out, TotalTokens: 3 * len(texts)}, nil
}

type memStore struct {
	data   map[string][]byte
	getErr error
	sets   int
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	v, ok := s.data[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte) error {
	s.sets++
	s.data[key] = value
	return nil
}

func newCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cache_total"}, []string{"result"})
}

func TestEmbed_MissThenHit(t *testing.T) {
	inner := &countingEmbedder{}
	st := newMemStore()
	counter := newCounter()
	ce := New(inner, st, "lexical-hash-v1", counter, zap.NewNop())
	ctx := context.Background()

	first, err := ce.Embed(ctx, "pleural effusion")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.TotalTokens != 3 {
		t.Errorf("expected inner tokens on miss, got %d", first.TotalTokens)
	}

	second, err := ce.Embed(ctx, "pleural effusion")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected one inner call, got %d", inner.calls)
	}
	if second.TotalTokens != 0 || second.Embedding[0] != first.Embedding[0] {
		t.Errorf("expected cached vector with zero tokens, got %+v", second)
	}
	if testutil.ToFloat64(counter.WithLabelValues("hit")) != 1 || testutil.ToFloat64(counter.WithLabelValues("miss")) != 1 {
		t.Error("expected one hit and one miss")
	}
}

func TestEmbed_KeyScopedByModel(t *testing.T) {
	st := newMemStore()
	_, _ = New(&countingEmbedder{}, st, "model-a", nil, zap.NewNop()).Embed(context.Background(), "x")

	inner := &countingEmbedder{}
	_, _ = New(inner, st, "model-b", nil, zap.NewNop()).Embed(context.Background(), "x")
	if inner.calls != 1 {
		t.Error("a different model must not hit another model's cache entry")
	}
	for k := range st.data {
		if !strings.HasPrefix(k, domain.KeyPrefix+"emb_cache:model-") {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestEmbed_StoreErrorDegradesToMiss(t *testing.T) {
	st := newMemStore()
	st.getErr = errors.New("connection refused")
	inner := &countingEmbedder{}

	if _, err := New(inner, st, "m", nil, zap.NewNop()).Embed(context.Background(), "x"); err != nil {
		t.Fatalf("store failure must not fail the call: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected fallthrough to inner, got %d calls", inner.calls)
	}
}

func TestEmbed_CorruptEntryIgnored(t *testing.T) {
	st := newMemStore()
	ce := New(&countingEmbedder{}, st, "m", nil, zap.NewNop())
	st.data[ce.cacheKey("x")] = []byte{1, 2, 3}

	res, err := ce.Embed(context.Background(), "x")
	if err != nil || res.Embedding[0] != 1 {
		t.Errorf("expected recomputed vector, got %v, %v", res.Embedding, err)
	}
}

func TestEmbed_InnerError(t *testing.T) {
	inner := &countingEmbedder{err: domain.ErrEmbeddingProviderError}
	_, err := New(inner, newMemStore(), "m", nil, zap.NewNop()).Embed(context.Background(), "x")
	if !errors.Is(err, domain.ErrEmbeddingProviderError) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestBatchEmbed_OnlyMissesReachInner(t *testing.T) {
	inner := &countingEmbedder{}
	st := newMemStore()
	ce := New(inner, st, "m", nil, zap.NewNop())
	ctx := context.Background()

	if _, err := ce.Embed(ctx, "cached"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	res, err := ce.BatchEmbed(ctx, []string{"a", "cached", "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.batchCalls != 1 || len(inner.batchTexts) != 2 {
		t.Fatalf("expected one inner batch with 2 misses, got %d calls %v", inner.batchCalls, inner.batchTexts)
	}
	want := []float32{1, 6, 3}
	for i, w := range want {
		if res.Embeddings[i][0] != w {
			t.Errorf("embedding %d = %v, want %v", i, res.Embeddings[i][0], w)
		}
	}
	if res.TotalTokens != 6 {
		t.Errorf("expected tokens for misses only, got %d", res.TotalTokens)
	}
	if st.sets != 3 {
		t.Errorf("expected misses written back, got %d sets", st.sets)
	}
}

func TestBatchEmbed_AllHits(t *testing.T) {
	inner := &countingEmbedder{}
	ce := New(inner, newMemStore(), "m", nil, zap.NewNop())
	ctx := context.Background()
	_, _ = ce.BatchEmbed(ctx, []string{"a", "bb"})

	res, err := ce.BatchEmbed(ctx, []string{"bb", "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.batchCalls != 1 || res.TotalTokens != 0 {
		t.Errorf("expected cache-only second call, got %d inner calls, %d tokens", inner.batchCalls, res.TotalTokens)
	}
	if res.Embeddings[0][0] != 2 || res.Embeddings[1][0] != 1 {
		t.Errorf("unexpected order: %v", res.Embeddings)
	}
}

func TestBatchEmbed_InnerErrorNothingCached(t *testing.T) {
	st := newMemStore()
	inner := &countingEmbedder{err: errors.New("api down")}
	if _, err := New(inner, st, "m", nil, zap.NewNop()).BatchEmbed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error")
	}
	if st.sets != 0 {
		t.Error("failed batch must not populate the cache")
	}
}
