// Package indexing owns the corpus-to-index lifecycle: ingestion, rebuilds
// and snapshots.
package indexing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/domain/finding"
	"github.com/kailas-cloud/cxrag/internal/metrics"
	"github.com/kailas-cloud/cxrag/internal/vectorindex"
)

// MaxIngestBatch is the default maximum number of cases per ingestion call.
const MaxIngestBatch = 1000

// IngestResult reports an applied ingestion.
type IngestResult struct {
	Ingested  int
	IndexSize int
}

// Service coordinates the corpus, the document embedder and the index.
// Corpus and index writes are serialized by writeMu so a rebuild never drops
// a concurrently ingested case; searches are never blocked.
type Service struct {
	corpus    CorpusStore
	index     Index
	embedder  domain.Embedder
	snapshots SnapshotStore
	logger    *zap.Logger

	maxBatch          int
	snapshotOnRebuild bool

	writeMu    sync.Mutex
	rebuilding atomic.Bool

	jobMu   sync.Mutex
	lastJob *Job
	jobs    sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates an indexing service. embedder is the document-side chain
// ending in the guard.
func New(corpus CorpusStore, index Index, embedder domain.Embedder, logger *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		corpus:   corpus,
		index:    index,
		embedder: embedder,
		logger:   logger,
		maxBatch: MaxIngestBatch,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// WithMaxBatchSize configures the maximum ingestion batch size.
func (s *Service) WithMaxBatchSize(size int) *Service {
	if size > 0 {
		s.maxBatch = size
	}
	return s
}

// WithSnapshotStore enables snapshots. When saveOnRebuild is set every
// successful rebuild is persisted.
func (s *Service) WithSnapshotStore(store SnapshotStore, saveOnRebuild bool) *Service {
	s.snapshots = store
	s.snapshotOnRebuild = saveOnRebuild
	return s
}

// Close cancels a running background rebuild and waits for it.
func (s *Service) Close() {
	s.cancel()
	s.jobs.Wait()
}

// Ingest embeds and stores records, then inserts them into the index.
// Records without tags are tagged from their report text. The batch applies
// completely or not at all: duplicate ids, embedding failures and index
// rejections leave corpus and index untouched.
func (s *Service) Ingest(ctx context.Context, records []casefile.Record) (IngestResult, error) {
	if len(records) == 0 {
		return IngestResult{}, fmt.Errorf("no cases to ingest: %w", domain.ErrInvalidInput)
	}
	if len(records) > s.maxBatch {
		return IngestResult{}, fmt.Errorf("batch of %d cases exceeds %d: %w", len(records), s.maxBatch, domain.ErrInvalidInput)
	}

	seen := make(map[string]struct{}, len(records))
	prepared := make([]casefile.Record, len(records))
	texts := make([]string, len(records))
	for i, r := range records {
		if _, dup := seen[r.ID()]; dup {
			return IngestResult{}, fmt.Errorf("case %q appears more than once in batch: %w", r.ID(), domain.ErrDuplicateCase)
		}
		seen[r.ID()] = struct{}{}

		tagged, err := withExtractedTags(r)
		if err != nil {
			return IngestResult{}, err
		}
		prepared[i] = tagged
		texts[i] = tagged.ReportText()
	}

	res, err := domain.BatchOf(ctx, s.embedder, texts)
	if err != nil {
		return IngestResult{}, fmt.Errorf("embed cases: %w", err)
	}
	if len(res.Embeddings) != len(prepared) {
		return IngestResult{}, fmt.Errorf("embedder returned %d vectors for %d cases: %w",
			len(res.Embeddings), len(prepared), domain.ErrEmbeddingProviderError)
	}

	entries := make([]vectorindex.Entry, len(prepared))
	for i := range prepared {
		prepared[i] = prepared[i].WithEmbedding(res.Embeddings[i])
		entries[i] = vectorindex.Entry{CaseID: prepared[i].ID(), Vector: res.Embeddings[i]}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	undo, err := s.corpus.Ingest(prepared)
	if err != nil {
		return IngestResult{}, fmt.Errorf("store cases: %w", err)
	}
	if err := s.index.InsertBatch(entries); err != nil {
		undo()
		return IngestResult{}, fmt.Errorf("index cases: %w", err)
	}

	metrics.CasesIngestedTotal.Add(float64(len(prepared)))
	s.publishIndexGauges()
	s.logger.Info("Cases ingested",
		zap.Int("count", len(prepared)),
		zap.Int("index_size", s.index.Size()),
		zap.Int("tokens", res.TotalTokens),
	)
	return IngestResult{Ingested: len(prepared), IndexSize: s.index.Size()}, nil
}

// Case returns a corpus record.
func (s *Service) Case(id string) (casefile.Record, error) {
	r, ok := s.corpus.Lookup(id)
	if !ok {
		return casefile.Record{}, fmt.Errorf("case %q: %w", id, domain.ErrCaseNotFound)
	}
	return r, nil
}

func withExtractedTags(r casefile.Record) (casefile.Record, error) {
	if len(r.Tags()) > 0 {
		return r, nil
	}
	tagged, err := casefile.New(r.ID(), r.ReportText(), finding.Extract(r.ReportText()), r.Metadata())
	if err != nil {
		return casefile.Record{}, fmt.Errorf("tag case %q: %w", r.ID(), err)
	}
	return tagged, nil
}

func (s *Service) publishIndexGauges() {
	metrics.IndexEntries.Set(float64(s.index.Size()))
	metrics.IndexGeneration.Set(float64(s.index.Generation()))
}
