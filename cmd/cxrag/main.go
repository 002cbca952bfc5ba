package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/config"
	"github.com/kailas-cloud/cxrag/internal/db"
	dbValkey "github.com/kailas-cloud/cxrag/internal/db/valkey"
	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/lexical"
	logpkg "github.com/kailas-cloud/cxrag/internal/logger"
	"github.com/kailas-cloud/cxrag/internal/metrics"
	"github.com/kailas-cloud/cxrag/internal/repository/corpus"
	"github.com/kailas-cloud/cxrag/internal/repository/embcache"
	"github.com/kailas-cloud/cxrag/internal/repository/snapshot"
	chiTransport "github.com/kailas-cloud/cxrag/internal/transport/chi"
	openaiEmb "github.com/kailas-cloud/cxrag/internal/transport/openai"
	"github.com/kailas-cloud/cxrag/internal/usecase/aggregate"
	diagnoseuc "github.com/kailas-cloud/cxrag/internal/usecase/diagnose"
	embeddinguc "github.com/kailas-cloud/cxrag/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/cxrag/internal/usecase/health"
	indexinguc "github.com/kailas-cloud/cxrag/internal/usecase/indexing"
	"github.com/kailas-cloud/cxrag/internal/usecase/query"
	"github.com/kailas-cloud/cxrag/internal/usecase/synth"
	"github.com/kailas-cloud/cxrag/internal/vectorindex"
	"github.com/kailas-cloud/cxrag/internal/version"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting cxrag API server",
		zap.String("version", version.String()),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("snapshot_backend", cfg.Index.Snapshot.Backend),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	ctx := context.Background()

	// Key-value store is optional: it backs the embedding cache and the valkey snapshot backend.
	var store db.Store
	if cfg.Database.Enabled() {
		vs, err := dbValkey.NewStore(dbValkey.Config{
			Addrs:    cfg.Database.Addrs,
			Username: cfg.Database.Username,
			Password: cfg.Database.Password,
			DB:       cfg.Database.DB,
		})
		if err != nil {
			logger.Fatal("Failed to create database store", zap.Error(err))
		}
		defer vs.Close()

		if err := vs.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
			logger.Fatal("Database not ready", zap.Error(err))
		}
		logger.Info("Connected to database")
		store = vs
	}

	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterEngineMetrics()

	docEmbedder, err := buildEmbedder(cfg.Embedding, cfg.Embedding.DocumentInstruction, store, logger)
	if err != nil {
		logger.Fatal("Failed to create document embedder", zap.Error(err))
	}
	queryEmbedder, err := buildEmbedder(cfg.Embedding, cfg.Embedding.QueryInstruction, store, logger)
	if err != nil {
		logger.Fatal("Failed to create query embedder", zap.Error(err))
	}
	logger.Info("Embedders created",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
		zap.Bool("cache", store != nil && cfg.Embedding.Cache),
	)

	metric, err := vectorindex.ParseMetric(cfg.Index.Metric)
	if err != nil {
		logger.Fatal("Invalid index metric", zap.Error(err))
	}
	index, err := vectorindex.New(vectorindex.Config{Dimension: cfg.Embedding.Dimensions, Metric: metric})
	if err != nil {
		logger.Fatal("Failed to create vector index", zap.Error(err))
	}

	cases := corpus.New()
	if err := loadCorpus(cfg.Corpus.CSVPath, cases, logger); err != nil {
		logger.Fatal("Failed to load corpus", zap.Error(err))
	}

	indexSvc := indexinguc.New(cases, index, docEmbedder, logger).
		WithMaxBatchSize(cfg.Corpus.MaxIngestBatch)
	if snapshots := buildSnapshotStore(cfg.Index.Snapshot, store); snapshots != nil {
		indexSvc = indexSvc.WithSnapshotStore(snapshots, cfg.Index.SaveOnRebuild)
	}
	defer indexSvc.Close()

	if err := indexSvc.LoadOrBuild(ctx, cfg.Index.ForceRebuild); err != nil {
		logger.Fatal("Failed to prepare index", zap.Error(err))
	}
	st := indexSvc.Status()
	logger.Info("Index ready",
		zap.Int("entries", st.Entries),
		zap.Uint64("generation", st.Generation),
		zap.String("metric", string(st.Metric)),
	)

	composer, err := query.NewComposer(cfg.Report.MinConfidence)
	if err != nil {
		logger.Fatal("Invalid report config", zap.Error(err))
	}
	reportSvc := diagnoseuc.New(
		composer,
		queryEmbedder,
		index,
		cases,
		aggregate.New(aggregate.Config{MaxFindings: cfg.Report.MaxFindings}),
		synth.New(
			synth.WithExcerptRunes(cfg.Report.ExcerptRunes),
			synth.WithSimilarity(index.Metric().Similarity()),
		),
		diagnoseuc.Config{
			DefaultK:      cfg.Report.DefaultK,
			MaxK:          cfg.Report.MaxK,
			SearchTimeout: time.Duration(cfg.Report.SearchTimeoutMs) * time.Millisecond,
			RetryBackoff:  time.Duration(cfg.Report.RetryBackoffMs) * time.Millisecond,
		},
	)

	// Pass nil interface (not typed nil pointer!) when no database is configured.
	var pinger healthuc.DBPinger
	if store != nil {
		pinger = store
	}
	healthSvc := healthuc.New(pinger, newEmbeddingHealthChecker(queryEmbedder), index)

	server := chiTransport.NewServer(reportSvc, indexSvc, healthSvc, logger).
		WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// embeddingHealthChecker wraps domain.Embedder to implement health.EmbeddingChecker.
type embeddingHealthChecker struct {
	embedder domain.Embedder
}

func newEmbeddingHealthChecker(embedder domain.Embedder) *embeddingHealthChecker {
	return &embeddingHealthChecker{embedder: embedder}
}

func (h *embeddingHealthChecker) HealthCheck(ctx context.Context) error {
	if hc, ok := h.embedder.(domain.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("embedding health check: %w", err)
		}
	}
	return nil
}

// buildEmbedder assembles the decorator chain: provider -> cache -> instruction -> guard.
// The cache sits inside the instruction prefix so its key covers the instruction.
func buildEmbedder(
	cfg config.EmbeddingConfig,
	instruction string,
	store db.Store,
	logger *zap.Logger,
) (domain.Embedder, error) {
	var embedder domain.Embedder
	switch cfg.Provider {
	case config.ProviderOpenAI:
		embedder = openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Logger:     logger,
		})
	default:
		lex, err := lexical.New(cfg.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("lexical embedder: %w", err)
		}
		embedder = lex
	}

	if store != nil && cfg.Cache {
		embedder = embcache.New(embedder, store, cfg.Model, metrics.EmbeddingCacheTotal, logger)
	}

	if instruction != "" {
		embedder = domain.NewInstructionEmbedder(embedder, instruction)
	}

	return embeddinguc.NewGuard(embedder, embeddinguc.GuardConfig{
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		Dimension:    cfg.Dimensions,
		Timeout:      time.Duration(cfg.TimeoutSec) * time.Second,
		MaxBatchSize: cfg.MaxBatchSize,
		Parallelism:  cfg.Parallelism,
	}, logger), nil
}

// buildSnapshotStore returns nil when snapshots are disabled.
func buildSnapshotStore(cfg config.SnapshotConfig, store db.Store) indexinguc.SnapshotStore {
	switch cfg.Backend {
	case config.SnapshotValkey:
		if store == nil {
			return nil
		}
		return snapshot.NewKVStore(store, cfg.Name)
	case config.SnapshotNone:
		return nil
	default:
		return snapshot.NewFileStore(cfg.Path)
	}
}

func loadCorpus(path string, cases *corpus.Store, logger *zap.Logger) error {
	if path == "" {
		logger.Info("No corpus CSV configured, starting with an empty corpus")
		return nil
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open corpus %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	records, err := corpus.ReadCSV(f)
	if err != nil {
		return fmt.Errorf("parse corpus %s: %w", path, err)
	}
	if _, err := cases.Ingest(records); err != nil {
		return fmt.Errorf("load corpus %s: %w", path, err)
	}
	logger.Info("Corpus loaded", zap.String("path", path), zap.Int("cases", len(records)))
	return nil
}
