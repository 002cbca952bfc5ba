package indexing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	logpkg "github.com/kailas-cloud/cxrag/internal/logger"
	"github.com/kailas-cloud/cxrag/internal/metrics"
	"github.com/kailas-cloud/cxrag/internal/vectorindex"
)

// JobState is the lifecycle state of a rebuild job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job describes one rebuild.
type Job struct {
	ID         string
	State      JobState
	StartedAt  time.Time
	FinishedAt time.Time
	Entries    int
	Generation uint64
	Error      string
}

// Status is a point-in-time view of the corpus and index.
type Status struct {
	Cases            int
	Entries          int
	Dimension        int
	Metric           vectorindex.Metric
	Generation       uint64
	Rebuilding       bool
	LastJob          *Job
	SnapshotLocation string
}

// Status reports corpus and index state and the most recent rebuild job.
func (s *Service) Status() Status {
	st := Status{
		Cases:      s.corpus.Len(),
		Entries:    s.index.Size(),
		Dimension:  s.index.Dimension(),
		Metric:     s.index.Metric(),
		Generation: s.index.Generation(),
		Rebuilding: s.rebuilding.Load(),
	}
	if j, ok := s.LastJob(); ok {
		st.LastJob = &j
	}
	if s.snapshots != nil {
		st.SnapshotLocation = s.snapshots.Location()
	}
	return st
}

// LastJob returns the most recent rebuild job, if any.
func (s *Service) LastJob() (Job, bool) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.lastJob == nil {
		return Job{}, false
	}
	return *s.lastJob, true
}

// Rebuild re-indexes the whole corpus and blocks until the new generation is
// visible. Only one rebuild runs at a time; a second one fails with
// ErrRebuildInProgress.
func (s *Service) Rebuild(ctx context.Context) (Job, error) {
	if !s.rebuilding.CompareAndSwap(false, true) {
		return Job{}, domain.ErrRebuildInProgress
	}
	defer s.rebuilding.Store(false)

	job := s.beginJob()
	err := s.rebuild(logpkg.With(ctx, s.logger, zap.String("job_id", job.ID)))
	return s.finishJob(err), err
}

// StartRebuild runs a rebuild in the background and returns the running job.
// Searches keep using the current generation until the swap.
func (s *Service) StartRebuild() (Job, error) {
	if !s.rebuilding.CompareAndSwap(false, true) {
		return Job{}, domain.ErrRebuildInProgress
	}
	job := s.beginJob()
	ctx := logpkg.With(s.baseCtx, s.logger, zap.String("job_id", job.ID))

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer s.rebuilding.Store(false)

		done := s.finishJob(s.rebuild(ctx))
		log := logpkg.FromContext(ctx)
		if done.State == JobFailed {
			log.Error("Background rebuild failed", zap.String("error", done.Error))
			return
		}
		log.Info("Background rebuild finished",
			zap.Int("entries", done.Entries),
			zap.Duration("took", done.FinishedAt.Sub(done.StartedAt)),
		)
	}()
	return job, nil
}

func (s *Service) beginJob() Job {
	j := &Job{ID: uuid.NewString(), State: JobRunning, StartedAt: time.Now().UTC()}
	s.jobMu.Lock()
	s.lastJob = j
	s.jobMu.Unlock()
	return *j
}

func (s *Service) finishJob(err error) Job {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	j := s.lastJob
	j.FinishedAt = time.Now().UTC()
	if err != nil {
		j.State = JobFailed
		j.Error = err.Error()
	} else {
		j.State = JobSucceeded
		j.Entries = s.index.Size()
		j.Generation = s.index.Generation()
	}
	return *j
}

// rebuild embeds records that have no cached vector outside the write lock,
// then takes the lock, picks up anything ingested meanwhile and swaps in the
// new generation.
func (s *Service) rebuild(ctx context.Context) error {
	start := time.Now()
	err := s.buildAndSwap(ctx)
	metrics.IndexRebuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.IndexRebuildsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.IndexRebuildsTotal.WithLabelValues("ok").Inc()
	s.publishIndexGauges()

	if s.snapshotOnRebuild && s.snapshots != nil {
		if _, err := s.SaveSnapshot(ctx); err != nil {
			logpkg.FromContext(ctx).Warn("Failed to save snapshot after rebuild", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) buildAndSwap(ctx context.Context) error {
	if _, err := s.embedMissing(ctx, s.corpus.All()); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	records := s.corpus.All()
	fresh, err := s.embedMissing(ctx, records)
	if err != nil {
		return err
	}
	entries := make([]vectorindex.Entry, 0, len(records))
	for _, r := range records {
		vec := r.Embedding()
		if vec == nil {
			vec = fresh[r.ID()]
		}
		entries = append(entries, vectorindex.Entry{CaseID: r.ID(), Vector: vec})
	}
	if err := s.index.Rebuild(entries); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	logpkg.FromContext(ctx).Info("Index rebuilt",
		zap.Int("entries", len(entries)),
		zap.Uint64("generation", s.index.Generation()),
	)
	return nil
}

// embedMissing embeds records without a cached vector and caches the result
// on the corpus record. It returns the new vectors by case id.
func (s *Service) embedMissing(ctx context.Context, records []casefile.Record) (map[string][]float32, error) {
	out, err := s.embedPending(ctx, records)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if vec, ok := out[r.ID()]; ok {
			s.corpus.AttachEmbedding(r.ID(), r.ReportText(), vec)
		}
	}
	return out, nil
}

// embedPending embeds records without a cached vector. The corpus is left
// untouched.
func (s *Service) embedPending(ctx context.Context, records []casefile.Record) (map[string][]float32, error) {
	var pending []casefile.Record
	for _, r := range records {
		if r.Embedding() == nil {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	texts := make([]string, len(pending))
	for i, r := range pending {
		texts[i] = r.ReportText()
	}
	res, err := domain.BatchOf(ctx, s.embedder, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d cases: %w", len(pending), err)
	}
	if len(res.Embeddings) != len(pending) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d cases: %w",
			len(res.Embeddings), len(pending), domain.ErrEmbeddingProviderError)
	}

	out := make(map[string][]float32, len(pending))
	for i, r := range pending {
		out[r.ID()] = res.Embeddings[i]
	}
	s.logger.Debug("Embedded cases without cached vectors",
		zap.Int("count", len(pending)),
		zap.Int("tokens", res.TotalTokens),
	)
	return out, nil
}
