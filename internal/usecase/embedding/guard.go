package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/metrics"
)

// Defaults for GuardConfig zero values.
const (
	DefaultMaxAPIBatchSize = 256
	DefaultParallelism     = 4
	DefaultTimeout         = 30 * time.Second
)

// GuardConfig bounds every call that passes through a Guard.
type GuardConfig struct {
	Provider     string
	Model        string
	Dimension    int
	Timeout      time.Duration
	MaxBatchSize int
	Parallelism  int
}

// Guard is the outermost embedder decorator. It enforces the embedding
// contract regardless of the provider behind it: blank text and degenerate
// vectors fail with ErrEmbedding, every vector has the configured dimension,
// calls are bounded by a timeout, and a failing batch yields no vectors.
type Guard struct {
	inner  domain.Embedder
	cfg    GuardConfig
	logger *zap.Logger
}

// NewGuard wraps inner. Zero-valued limits fall back to package defaults.
func NewGuard(inner domain.Embedder, cfg GuardConfig, logger *zap.Logger) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxAPIBatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Guard{inner: inner, cfg: cfg, logger: logger}
}

// Dimension returns the enforced vector length.
func (g *Guard) Dimension() int { return g.cfg.Dimension }

// Embed validates text, calls the inner embedder under a timeout and validates the vector.
func (g *Guard) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	if strings.TrimSpace(text) == "" {
		g.countError("empty_input")
		return domain.EmbeddingResult{}, fmt.Errorf("empty text: %w", domain.ErrEmbedding)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	result, err := g.inner.Embed(ctx, text)
	g.observe(start, err)
	if err != nil {
		err = g.classify(ctx, err)
		g.logger.Warn("Embedding request failed",
			zap.String("provider", g.cfg.Provider),
			zap.String("model", g.cfg.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return domain.EmbeddingResult{}, err
	}

	if err := g.checkVector(result.Embedding); err != nil {
		return domain.EmbeddingResult{}, err
	}
	g.recordTokens(result.PromptTokens, result.TotalTokens)
	domain.UsageFromContext(ctx).AddTokens(result.TotalTokens)
	return result, nil
}

// BatchEmbed embeds texts in chunks of at most MaxBatchSize, running up to
// Parallelism chunks at once. Embeddings[i] always belongs to texts[i].
func (g *Guard) BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	if len(texts) == 0 {
		return domain.BatchEmbeddingResult{}, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			g.countError("empty_input")
			return domain.BatchEmbeddingResult{}, fmt.Errorf("text [%d] is empty: %w", i, domain.ErrEmbedding)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	size := g.cfg.MaxBatchSize
	chunks := (len(texts) + size - 1) / size
	results := make([]domain.BatchEmbeddingResult, chunks)

	start := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Parallelism)
	for c := range chunks {
		offset := c * size
		chunk := texts[offset:min(offset+size, len(texts))]
		eg.Go(func() error {
			res, err := g.embedChunk(egCtx, chunk)
			if err != nil {
				return fmt.Errorf("chunk at %d: %w", offset, err)
			}
			results[c] = res
			return nil
		})
	}
	err := eg.Wait()
	g.observe(start, err)
	if err != nil {
		err = g.classify(ctx, err)
		g.logger.Error("Batch embedding failed",
			zap.String("provider", g.cfg.Provider),
			zap.String("model", g.cfg.Model),
			zap.Int("batch_size", len(texts)),
			zap.Int("chunks", chunks),
			zap.Error(err),
		)
		return domain.BatchEmbeddingResult{}, err
	}

	out := domain.BatchEmbeddingResult{Embeddings: make([][]float32, 0, len(texts))}
	for _, r := range results {
		out.Embeddings = append(out.Embeddings, r.Embeddings...)
		out.PromptTokens += r.PromptTokens
		out.TotalTokens += r.TotalTokens
	}
	g.recordTokens(out.PromptTokens, out.TotalTokens)
	domain.UsageFromContext(ctx).AddTokens(out.TotalTokens)

	g.logger.Debug("Batch embedding completed",
		zap.String("provider", g.cfg.Provider),
		zap.Int("batch_size", len(texts)),
		zap.Int("chunks", chunks),
		zap.Duration("duration", time.Since(start)),
		zap.Int("total_tokens", out.TotalTokens),
	)
	return out, nil
}

// HealthCheck forwards to the inner embedder when it supports health checks.
func (g *Guard) HealthCheck(ctx context.Context) error {
	if hc, ok := g.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx) //nolint:wrapcheck // transparent decorator
	}
	return nil
}

func (g *Guard) embedChunk(ctx context.Context, chunk []string) (domain.BatchEmbeddingResult, error) {
	res, err := domain.BatchOf(ctx, g.inner, chunk)
	if err != nil {
		return domain.BatchEmbeddingResult{}, err //nolint:wrapcheck // wrapped by caller
	}
	if len(res.Embeddings) != len(chunk) {
		return domain.BatchEmbeddingResult{}, fmt.Errorf("provider returned %d vectors for %d texts: %w",
			len(res.Embeddings), len(chunk), domain.ErrEmbeddingProviderError)
	}
	for i, v := range res.Embeddings {
		if err := g.checkVector(v); err != nil {
			return domain.BatchEmbeddingResult{}, fmt.Errorf("text [%d]: %w", i, err)
		}
	}
	return res, nil
}

func (g *Guard) checkVector(v []float32) error {
	if g.cfg.Dimension > 0 && len(v) != g.cfg.Dimension {
		g.countError("dimension_mismatch")
		return domain.NewDimensionMismatch(g.cfg.Dimension, len(v))
	}
	nonZero := false
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			g.countError("invalid_vector")
			return fmt.Errorf("vector has non-finite component: %w", domain.ErrEmbedding)
		}
		if f != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		g.countError("invalid_vector")
		return fmt.Errorf("zero vector: %w", domain.ErrEmbedding)
	}
	return nil
}

// classify maps an expired deadline to ErrTimeout. Other errors keep their chain.
func (g *Guard) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		g.countError("timeout")
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		g.countError("timeout")
		return fmt.Errorf("embed after %s: %w", g.cfg.Timeout, domain.ErrTimeout)
	case errors.Is(err, domain.ErrEmbedding), errors.Is(err, domain.ErrDimensionMismatch):
		return fmt.Errorf("embed: %w", err)
	case errors.Is(err, domain.ErrEmbeddingProviderError):
		g.countError("provider")
		return fmt.Errorf("embed: %w", err)
	default:
		g.countError("other")
		return fmt.Errorf("embed: %w", err)
	}
}

func (g *Guard) observe(start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues(g.cfg.Provider, g.cfg.Model, status).Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(g.cfg.Provider, g.cfg.Model).Observe(time.Since(start).Seconds())
}

func (g *Guard) recordTokens(prompt, total int) {
	if total <= 0 {
		return
	}
	metrics.EmbeddingTokensTotal.WithLabelValues(g.cfg.Provider, g.cfg.Model, "prompt").Add(float64(prompt))
	metrics.EmbeddingTokensTotal.WithLabelValues(g.cfg.Provider, g.cfg.Model, "total").Add(float64(total))
}

func (g *Guard) countError(kind string) {
	metrics.EmbeddingErrorsTotal.WithLabelValues(g.cfg.Provider, g.cfg.Model, kind).Inc()
}
