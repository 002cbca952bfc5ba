// Package corpus is the in-memory case corpus store.
package corpus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
)

// Store holds case records by id. Records are immutable values; replacing a
// record stores a new value.
type Store struct {
	mu      sync.RWMutex
	records map[string]casefile.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]casefile.Record)}
}

// Ingest adds or replaces records. Duplicate ids inside one batch fail the
// whole batch with ErrDuplicateCase and nothing is stored. The returned undo
// restores the previous state of the touched ids; callers use it when a later
// step of the same ingestion fails.
func (s *Store) Ingest(records []casefile.Record) (undo func(), err error) {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.ID()]; dup {
			return nil, fmt.Errorf("case %q appears more than once in batch: %w", r.ID(), domain.ErrDuplicateCase)
		}
		seen[r.ID()] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]*casefile.Record, len(records))
	for _, r := range records {
		if old, ok := s.records[r.ID()]; ok {
			prev[r.ID()] = &old
		} else {
			prev[r.ID()] = nil
		}
		s.records[r.ID()] = r
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, old := range prev {
			if old == nil {
				delete(s.records, id)
				continue
			}
			s.records[id] = *old
		}
	}, nil
}

// Get returns the record for id or ErrCaseNotFound.
func (s *Store) Get(id string) (casefile.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return casefile.Record{}, fmt.Errorf("case %q: %w", id, domain.ErrCaseNotFound)
	}
	return r, nil
}

// Lookup returns the record for id and whether it exists.
func (s *Store) Lookup(id string) (casefile.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// All returns every record ordered by id.
func (s *Store) All() []casefile.Record {
	s.mu.RLock()
	out := make([]casefile.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// AttachEmbedding caches vec on the record for id. It applies only while the
// stored record still has no embedding and the same report text that was
// embedded, so a concurrent replacement never receives a stale vector.
func (s *Store) AttachEmbedding(id, embeddedText string, vec []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Embedding() != nil || r.ReportText() != embeddedText {
		return false
	}
	s.records[id] = r.WithEmbedding(vec)
	return true
}
