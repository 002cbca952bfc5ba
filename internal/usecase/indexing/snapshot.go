package indexing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/metrics"
	"github.com/kailas-cloud/cxrag/internal/vectorindex"
)

var errNoSnapshotStore = fmt.Errorf("no snapshot store configured: %w", domain.ErrInvalidInput)

// SnapshotInfo describes a saved or loaded snapshot.
type SnapshotInfo struct {
	Location   string
	Entries    int
	Bytes      int
	Generation uint64
}

// SaveSnapshot persists the current index generation.
func (s *Service) SaveSnapshot(ctx context.Context) (SnapshotInfo, error) {
	if s.snapshots == nil {
		return SnapshotInfo{}, errNoSnapshotStore
	}

	var buf bytes.Buffer
	gen := s.index.Generation()
	if err := s.index.WriteSnapshot(&buf); err != nil {
		metrics.SnapshotOpsTotal.WithLabelValues("save", "error").Inc()
		return SnapshotInfo{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.snapshots.Save(ctx, buf.Bytes()); err != nil {
		metrics.SnapshotOpsTotal.WithLabelValues("save", "error").Inc()
		return SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}
	metrics.SnapshotOpsTotal.WithLabelValues("save", "ok").Inc()

	info := SnapshotInfo{
		Location:   s.snapshots.Location(),
		Entries:    s.index.Size(),
		Bytes:      buf.Len(),
		Generation: gen,
	}
	s.logger.Info("Snapshot saved",
		zap.String("location", info.Location),
		zap.Int("entries", info.Entries),
		zap.Int("bytes", info.Bytes),
	)
	return info, nil
}

// LoadSnapshot replaces the index with the persisted snapshot. Every snapshot
// entry must name a case of the corpus, otherwise the snapshot is stale and
// rejected with ErrIndexVersionMismatch. Snapshot vectors are cached on their
// records; corpus records missing from the snapshot are embedded and added.
func (s *Service) LoadSnapshot(ctx context.Context) (SnapshotInfo, error) {
	if s.snapshots == nil {
		return SnapshotInfo{}, errNoSnapshotStore
	}
	info, err := s.loadSnapshot(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SnapshotOpsTotal.WithLabelValues("load", status).Inc()
	return info, err
}

func (s *Service) loadSnapshot(ctx context.Context) (SnapshotInfo, error) {
	data, err := s.snapshots.Load(ctx)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("load snapshot: %w", err)
	}
	entries, err := vectorindex.ReadSnapshot(bytes.NewReader(data), vectorindex.Config{
		Dimension: s.index.Dimension(),
		Metric:    s.index.Metric(),
	})
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("decode snapshot %s: %w", s.snapshots.Location(), err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Nothing touches the corpus until the new generation is installed.
	texts := make(map[string]string, len(entries))
	for _, e := range entries {
		rec, ok := s.corpus.Lookup(e.CaseID)
		if !ok {
			return SnapshotInfo{}, domain.NewIndexVersionMismatch("case "+strconv.Quote(e.CaseID), "absent", "present")
		}
		texts[e.CaseID] = rec.ReportText()
	}

	var missing []casefile.Record
	for _, r := range s.corpus.All() {
		if _, ok := texts[r.ID()]; !ok {
			missing = append(missing, r)
		}
	}
	fresh, err := s.embedPending(ctx, missing)
	if err != nil {
		return SnapshotInfo{}, err
	}
	loaded := len(entries)
	for _, r := range missing {
		vec := r.Embedding()
		if vec == nil {
			vec = fresh[r.ID()]
		}
		entries = append(entries, vectorindex.Entry{CaseID: r.ID(), Vector: vec})
	}

	if err := s.index.Rebuild(entries); err != nil {
		return SnapshotInfo{}, fmt.Errorf("install snapshot: %w", err)
	}
	for _, e := range entries[:loaded] {
		s.corpus.AttachEmbedding(e.CaseID, texts[e.CaseID], e.Vector)
	}
	for _, r := range missing {
		if vec, ok := fresh[r.ID()]; ok {
			s.corpus.AttachEmbedding(r.ID(), r.ReportText(), vec)
		}
	}
	s.publishIndexGauges()

	info := SnapshotInfo{
		Location:   s.snapshots.Location(),
		Entries:    s.index.Size(),
		Bytes:      len(data),
		Generation: s.index.Generation(),
	}
	s.logger.Info("Snapshot loaded",
		zap.String("location", info.Location),
		zap.Int("entries", info.Entries),
		zap.Int("added_from_corpus", len(missing)),
	)
	return info, nil
}

// LoadOrBuild prepares the index at startup: it loads the snapshot when one
// exists and matches the corpus and configuration, and rebuilds from the
// corpus otherwise. force skips the snapshot.
func (s *Service) LoadOrBuild(ctx context.Context, force bool) error {
	if !force && s.snapshots != nil {
		_, err := s.LoadSnapshot(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrSnapshotNotFound):
			s.logger.Info("No snapshot found, building index from corpus")
		case errors.Is(err, domain.ErrSnapshotCorrupt), errors.Is(err, domain.ErrIndexVersionMismatch):
			s.logger.Warn("Snapshot unusable, building index from corpus", zap.Error(err))
		default:
			return err
		}
	}
	if _, err := s.Rebuild(ctx); err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	return nil
}
