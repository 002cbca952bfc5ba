package engine

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures the Engine.
type Option interface {
	apply(*engineConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*engineConfig)

func (f optionFunc) apply(c *engineConfig) { f(c) }

// OpenAIConfig selects an OpenAI-compatible embedding provider.
type OpenAIConfig struct {
	APIKey              string
	BaseURL             string
	Model               string
	DocumentInstruction string
	QueryInstruction    string
}

type engineConfig struct {
	dimension int
	metric    string
	timeout   time.Duration

	embedder Embedder
	openai   *OpenAIConfig

	valkeyAddrs    []string
	valkeyPassword string
	cache          bool

	snapshotPath  string
	snapshotKey   string
	saveOnRebuild bool

	minConfidence  float64
	defaultK       int
	maxK           int
	maxFindings    int
	excerptRunes   int
	maxIngestBatch int

	logger     *slog.Logger
	metricsReg prometheus.Registerer
}

// WithDimension sets the vector dimension. Defaults to 384.
func WithDimension(dim int) Option {
	return optionFunc(func(c *engineConfig) {
		c.dimension = dim
	})
}

// WithMetric selects the distance metric: "cosine" (default) or "euclidean".
func WithMetric(metric string) Option {
	return optionFunc(func(c *engineConfig) {
		c.metric = metric
	})
}

// WithEmbeddingTimeout bounds each embedding call. Defaults to 30s.
func WithEmbeddingTimeout(d time.Duration) Option {
	return optionFunc(func(c *engineConfig) {
		c.timeout = d
	})
}

// WithEmbedder sets a custom embedding provider. It must produce vectors of
// the configured dimension.
func WithEmbedder(e Embedder) Option {
	return optionFunc(func(c *engineConfig) {
		c.embedder = e
	})
}

// WithOpenAI uses an OpenAI-compatible embedding API.
func WithOpenAI(cfg OpenAIConfig) Option {
	return optionFunc(func(c *engineConfig) {
		c.openai = &cfg
	})
}

// WithValkey connects a Valkey instance. With cache set, embeddings are cached
// there, keyed by model and text.
func WithValkey(addrs []string, password string, cache bool) Option {
	return optionFunc(func(c *engineConfig) {
		c.valkeyAddrs = addrs
		c.valkeyPassword = password
		c.cache = cache
	})
}

// WithSnapshotFile stores index snapshots in a file.
func WithSnapshotFile(path string) Option {
	return optionFunc(func(c *engineConfig) {
		c.snapshotPath = path
		c.snapshotKey = ""
	})
}

// WithValkeySnapshot stores index snapshots under a Valkey key. Requires WithValkey.
func WithValkeySnapshot(name string) Option {
	return optionFunc(func(c *engineConfig) {
		c.snapshotKey = name
		c.snapshotPath = ""
	})
}

// WithSaveOnRebuild saves a snapshot after every successful rebuild.
func WithSaveOnRebuild() Option {
	return optionFunc(func(c *engineConfig) {
		c.saveOnRebuild = true
	})
}

// WithMinConfidence sets the finding confidence threshold for queries.
// Defaults to 0.3.
func WithMinConfidence(v float64) Option {
	return optionFunc(func(c *engineConfig) {
		c.minConfidence = v
	})
}

// WithK sets the default and maximum neighbor count per report.
// Defaults: 5 and 100.
func WithK(defaultK, maxK int) Option {
	return optionFunc(func(c *engineConfig) {
		c.defaultK = defaultK
		c.maxK = maxK
	})
}

// WithMaxFindings caps the primary findings in a report. Zero keeps all.
func WithMaxFindings(n int) Option {
	return optionFunc(func(c *engineConfig) {
		c.maxFindings = n
	})
}

// WithExcerptRunes sets the excerpt length of cited cases. Defaults to 400.
func WithExcerptRunes(n int) Option {
	return optionFunc(func(c *engineConfig) {
		c.excerptRunes = n
	})
}

// WithMaxIngestBatch caps the number of cases per Ingest call. Defaults to 1000.
func WithMaxIngestBatch(n int) Option {
	return optionFunc(func(c *engineConfig) {
		c.maxIngestBatch = n
	})
}

// WithLogger enables structured logging for engine operations.
// Pass nil to disable (default). Uses standard library slog.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *engineConfig) {
		c.logger = l
	})
}

// WithPrometheus registers engine metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *engineConfig) {
		c.metricsReg = reg
	})
}
