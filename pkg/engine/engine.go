package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/db"
	dbValkey "github.com/kailas-cloud/cxrag/internal/db/valkey"
	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/domain/finding"
	"github.com/kailas-cloud/cxrag/internal/domain/patient"
	"github.com/kailas-cloud/cxrag/internal/lexical"
	"github.com/kailas-cloud/cxrag/internal/metrics"
	"github.com/kailas-cloud/cxrag/internal/repository/corpus"
	"github.com/kailas-cloud/cxrag/internal/repository/embcache"
	"github.com/kailas-cloud/cxrag/internal/repository/snapshot"
	openaiEmb "github.com/kailas-cloud/cxrag/internal/transport/openai"
	"github.com/kailas-cloud/cxrag/internal/usecase/aggregate"
	diagnoseuc "github.com/kailas-cloud/cxrag/internal/usecase/diagnose"
	embeddinguc "github.com/kailas-cloud/cxrag/internal/usecase/embedding"
	indexinguc "github.com/kailas-cloud/cxrag/internal/usecase/indexing"
	"github.com/kailas-cloud/cxrag/internal/usecase/query"
	"github.com/kailas-cloud/cxrag/internal/usecase/synth"
	"github.com/kailas-cloud/cxrag/internal/vectorindex"
)

const (
	defaultEmbeddingTimeout = 30 * time.Second
	defaultReadinessTimeout = 10 * time.Second
)

// Engine is the report engine: corpus, vector index and report pipeline.
// It is safe for concurrent use.
type Engine struct {
	store    db.Store
	cases    *corpus.Store
	index    *vectorindex.Index
	indexing *indexinguc.Service
	reports  *diagnoseuc.Service
	obs      *observer
}

// New creates an Engine with an empty corpus and index. The context bounds
// the initial Valkey readiness check when WithValkey is used.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	defaults := domain.DefaultVectorConfig()
	cfg := &engineConfig{
		dimension:      defaults.Dimensions,
		metric:         defaults.DistanceMetric,
		timeout:        defaultEmbeddingTimeout,
		minConfidence:  query.DefaultMinConfidence,
		defaultK:       diagnoseuc.DefaultK,
		maxK:           diagnoseuc.DefaultMaxK,
		excerptRunes:   synth.DefaultExcerptRunes,
		maxIngestBatch: indexinguc.MaxIngestBatch,
	}
	for _, o := range opts {
		o.apply(cfg)
	}

	if cfg.snapshotKey != "" && len(cfg.valkeyAddrs) == 0 {
		return nil, fmt.Errorf("engine: valkey snapshot needs WithValkey: %w", domain.ErrInvalidInput)
	}
	metric, err := vectorindex.ParseMetric(cfg.metric)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	index, err := vectorindex.New(vectorindex.Config{Dimension: cfg.dimension, Metric: metric})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	composer, err := query.NewComposer(cfg.minConfidence)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	var store db.Store
	if len(cfg.valkeyAddrs) > 0 {
		vs, err := dbValkey.NewStore(dbValkey.Config{Addrs: cfg.valkeyAddrs, Password: cfg.valkeyPassword})
		if err != nil {
			return nil, fmt.Errorf("engine: create valkey store: %w", err)
		}
		if err := vs.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
			vs.Close()
			return nil, fmt.Errorf("engine: database not ready: %w", err)
		}
		store = vs
	}

	docEmb, err := buildEmbedder(cfg, documentInstruction(cfg), store)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	queryEmb, err := buildEmbedder(cfg, queryInstruction(cfg), store)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	cases := corpus.New()
	indexing := indexinguc.New(cases, index, docEmb, zap.NewNop()).
		WithMaxBatchSize(cfg.maxIngestBatch)
	switch {
	case cfg.snapshotPath != "":
		indexing = indexing.WithSnapshotStore(snapshot.NewFileStore(cfg.snapshotPath), cfg.saveOnRebuild)
	case cfg.snapshotKey != "":
		indexing = indexing.WithSnapshotStore(snapshot.NewKVStore(store, cfg.snapshotKey), cfg.saveOnRebuild)
	}

	reports := diagnoseuc.New(
		composer,
		queryEmb,
		index,
		cases,
		aggregate.New(aggregate.Config{MaxFindings: cfg.maxFindings}),
		synth.New(
			synth.WithExcerptRunes(cfg.excerptRunes),
			synth.WithSimilarity(index.Metric().Similarity()),
		),
		diagnoseuc.Config{DefaultK: cfg.defaultK, MaxK: cfg.maxK},
	)

	return &Engine{
		store:    store,
		cases:    cases,
		index:    index,
		indexing: indexing,
		reports:  reports,
		obs:      obs,
	}, nil
}

// Close stops background work and releases the Valkey connection.
func (e *Engine) Close() {
	e.indexing.Close()
	closeStore(e.store)
}

// Ingest adds or replaces cases and indexes them. The batch applies fully or not at all.
func (e *Engine) Ingest(ctx context.Context, cases []Case) (res IngestResult, err error) {
	start := time.Now()
	defer func() { e.obs.observe("ingest", start, err) }()

	records := make([]casefile.Record, 0, len(cases))
	for i, c := range cases {
		rec, err := casefile.New(c.ID, c.ReportText, c.Tags, c.Metadata)
		if err != nil {
			return IngestResult{}, fmt.Errorf("cases[%d]: %w", i, err)
		}
		records = append(records, rec)
	}

	out, err := e.indexing.Ingest(ctx, records)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest: %w", err)
	}
	return IngestResult{Ingested: out.Ingested, IndexSize: out.IndexSize}, nil
}

// Rebuild re-indexes the whole corpus and swaps the result in atomically.
func (e *Engine) Rebuild(ctx context.Context) (st Status, err error) {
	start := time.Now()
	defer func() { e.obs.observe("rebuild", start, err) }()

	if _, err = e.indexing.Rebuild(ctx); err != nil {
		return Status{}, fmt.Errorf("rebuild: %w", err)
	}
	return e.Status(), nil
}

// Report generates a report for the given findings.
func (e *Engine) Report(ctx context.Context, req ReportRequest) (rep Report, err error) {
	start := time.Now()
	defer func() { e.obs.observe("report", start, err) }()

	findings := make([]finding.Finding, 0, len(req.Findings))
	for i, f := range req.Findings {
		ff, err := finding.New(f.Tag, f.Confidence)
		if err != nil {
			return Report{}, fmt.Errorf("findings[%d]: %w", i, err)
		}
		findings = append(findings, ff)
	}
	p, err := patientToDomain(req.Patient)
	if err != nil {
		return Report{}, err
	}

	r, err := e.reports.Generate(ctx, diagnoseuc.Request{
		Findings:   findings,
		Patient:    p,
		K:          req.K,
		FilterTags: req.FilterTags,
		Debug:      req.Debug,
	})
	if err != nil {
		return Report{}, fmt.Errorf("report: %w", err)
	}
	return reportFromDomain(r), nil
}

// Case returns a stored case.
func (e *Engine) Case(id string) (Case, error) {
	rec, err := e.indexing.Case(id)
	if err != nil {
		return Case{}, fmt.Errorf("case: %w", err)
	}
	return Case{
		ID:         rec.ID(),
		ReportText: rec.ReportText(),
		Tags:       rec.Tags(),
		Metadata:   rec.Metadata(),
	}, nil
}

// Status reports corpus and index state.
func (e *Engine) Status() Status {
	st := e.indexing.Status()
	return Status{
		Cases:      st.Cases,
		Entries:    st.Entries,
		Dimension:  st.Dimension,
		Metric:     string(st.Metric),
		Generation: st.Generation,
	}
}

// Save writes a snapshot of the current index.
func (e *Engine) Save(ctx context.Context) (info SnapshotInfo, err error) {
	start := time.Now()
	defer func() { e.obs.observe("save", start, err) }()

	si, err := e.indexing.SaveSnapshot(ctx)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("save: %w", err)
	}
	return SnapshotInfo(si), nil
}

// Load replaces the index with the saved snapshot. Every snapshot entry must
// belong to an ingested case; cases missing from the snapshot are embedded.
func (e *Engine) Load(ctx context.Context) (info SnapshotInfo, err error) {
	start := time.Now()
	defer func() { e.obs.observe("load", start, err) }()

	si, err := e.indexing.LoadSnapshot(ctx)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("load: %w", err)
	}
	return SnapshotInfo(si), nil
}

// LoadOrBuild loads the snapshot when it is usable and rebuilds from the
// corpus otherwise. force skips the snapshot.
func (e *Engine) LoadOrBuild(ctx context.Context, force bool) (err error) {
	start := time.Now()
	defer func() { e.obs.observe("load_or_build", start, err) }()

	if err = e.indexing.LoadOrBuild(ctx, force); err != nil {
		return fmt.Errorf("load or build: %w", err)
	}
	return nil
}

func patientToDomain(p *Patient) (patient.Meta, error) {
	if p == nil {
		return patient.Unknown(), nil
	}
	age := patient.UnknownAge
	if p.Age != nil {
		age = *p.Age
	}
	m, err := patient.New(p.Name, age, p.Sex, p.Metadata)
	if err != nil {
		return patient.Meta{}, fmt.Errorf("patient: %w", err)
	}
	return m, nil
}

func documentInstruction(cfg *engineConfig) string {
	if cfg.openai != nil && cfg.embedder == nil {
		return cfg.openai.DocumentInstruction
	}
	return ""
}

func queryInstruction(cfg *engineConfig) string {
	if cfg.openai != nil && cfg.embedder == nil {
		return cfg.openai.QueryInstruction
	}
	return ""
}

// buildEmbedder assembles provider -> cache -> instruction -> guard.
// A custom embedder wins over OpenAI, which wins over the lexical default.
func buildEmbedder(cfg *engineConfig, instruction string, store db.Store) (domain.Embedder, error) {
	var (
		emb      domain.Embedder
		provider string
		model    string
	)
	switch {
	case cfg.embedder != nil:
		emb, provider, model = adaptEmbedder(cfg.embedder), "custom", "custom"
	case cfg.openai != nil:
		if cfg.openai.APIKey == "" || cfg.openai.Model == "" {
			return nil, fmt.Errorf("engine: openai needs an api key and a model: %w", domain.ErrInvalidInput)
		}
		emb = openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     cfg.openai.APIKey,
			BaseURL:    cfg.openai.BaseURL,
			Model:      cfg.openai.Model,
			Dimensions: cfg.dimension,
		})
		provider, model = "openai", cfg.openai.Model
	default:
		lex, err := lexical.New(cfg.dimension)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		emb, provider, model = lex, "lexical", lexical.ModelName
	}

	if store != nil && cfg.cache {
		emb = embcache.New(emb, store, model, metrics.EmbeddingCacheTotal, zap.NewNop())
	}
	if instruction != "" {
		emb = domain.NewInstructionEmbedder(emb, instruction)
	}
	return embeddinguc.NewGuard(emb, embeddinguc.GuardConfig{
		Provider:  provider,
		Model:     model,
		Dimension: cfg.dimension,
		Timeout:   cfg.timeout,
	}, zap.NewNop()), nil
}

func closeStore(s db.Store) {
	if s != nil {
		s.Close()
	}
}
