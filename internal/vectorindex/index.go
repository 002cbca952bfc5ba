// Package vectorindex is an exact in-memory nearest-neighbor index over case
// embeddings. Readers search an immutable generation loaded from an atomic
// pointer; writers build a complete new generation and swap it in, so a search
// never observes a partially applied batch or rebuild.
package vectorindex

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/neighbor"
)

// Metric is the distance function, fixed at construction.
type Metric string

// Supported metrics.
const (
	Euclidean Metric = "euclidean"
	Cosine    Metric = "cosine"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case Euclidean, Cosine:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("unknown distance metric %q: %w", s, domain.ErrInvalidInput)
	}
}

// Similarity returns the distance-to-similarity mapping of the metric.
func (m Metric) Similarity() neighbor.SimilarityFunc {
	if m == Cosine {
		return neighbor.CosineSimilarity
	}
	return neighbor.InverseDistance
}

// Config is the construction-time configuration of an index.
type Config struct {
	Dimension int
	Metric    Metric
}

// Entry is one (vector, case id) pair owned by the index.
type Entry struct {
	CaseID string
	Vector []float32
}

// ctxCheckEvery is how many distance computations run between context checks.
const ctxCheckEvery = 256

type generation struct {
	seq     uint64
	entries []Entry // sorted by CaseID
	norms   []float64
	pos     map[string]int
}

// Index is safe for concurrent use. Any number of searches may run while one
// writer inserts or rebuilds.
type Index struct {
	cfg Config
	mu  sync.Mutex // serializes writers
	cur atomic.Pointer[generation]
}

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d: %w", cfg.Dimension, domain.ErrInvalidInput)
	}
	if _, err := ParseMetric(string(cfg.Metric)); err != nil {
		return nil, err
	}
	ix := &Index{cfg: cfg}
	ix.cur.Store(&generation{pos: map[string]int{}})
	return ix, nil
}

// Dimension returns the fixed vector dimension.
func (ix *Index) Dimension() int { return ix.cfg.Dimension }

// Metric returns the fixed distance metric.
func (ix *Index) Metric() Metric { return ix.cfg.Metric }

// Size returns the number of entries visible to readers.
func (ix *Index) Size() int { return len(ix.cur.Load().entries) }

// Generation returns a counter that increases with every visible change.
func (ix *Index) Generation() uint64 { return ix.cur.Load().seq }

// Contains reports whether caseID is indexed.
func (ix *Index) Contains(caseID string) bool {
	_, ok := ix.cur.Load().pos[caseID]
	return ok
}

// Entries returns a copy of the visible entries sorted by case id.
func (ix *Index) Entries() []Entry {
	g := ix.cur.Load()
	out := make([]Entry, len(g.entries))
	copy(out, g.entries)
	return out
}

// InsertBatch adds entries, replacing any existing entry with the same case id.
// Within one batch the last entry for an id wins. The batch is validated as a
// whole first; on error nothing is applied.
func (ix *Index) InsertBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	incoming, err := ix.prepare(entries)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	old := ix.cur.Load()
	merged := make([]Entry, 0, len(old.entries)+len(incoming))
	for _, e := range old.entries {
		if _, replaced := incoming[e.CaseID]; !replaced {
			merged = append(merged, e)
		}
	}
	for _, e := range incoming {
		merged = append(merged, e)
	}
	ix.cur.Store(ix.build(merged, old.seq+1))
	return nil
}

// Rebuild replaces the whole entry set. The new generation is built before it
// becomes visible; in-flight searches keep using the generation they loaded.
func (ix *Index) Rebuild(entries []Entry) error {
	incoming, err := ix.prepare(entries)
	if err != nil {
		return err
	}
	all := make([]Entry, 0, len(incoming))
	for _, e := range incoming {
		all = append(all, e)
	}
	g := ix.build(all, 0)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	g.seq = ix.cur.Load().seq + 1
	ix.cur.Store(g)
	return nil
}

// Search returns at most k neighbors by ascending distance.
func (ix *Index) Search(ctx context.Context, vec []float32, k int) ([]neighbor.Result, error) {
	return ix.SearchFiltered(ctx, vec, k, nil)
}

// SearchFiltered is Search restricted to entries for which allow returns true.
// A nil allow admits every entry.
func (ix *Index) SearchFiltered(
	ctx context.Context, vec []float32, k int, allow func(caseID string) bool,
) ([]neighbor.Result, error) {
	res, _, err := ix.SearchGeneration(ctx, vec, k, allow)
	return res, err
}

// SearchGeneration is SearchFiltered that also reports the generation the
// results were read from.
func (ix *Index) SearchGeneration(
	ctx context.Context, vec []float32, k int, allow func(caseID string) bool,
) ([]neighbor.Result, uint64, error) {
	g := ix.cur.Load()
	res, err := ix.searchIn(ctx, g, vec, k, allow)
	if err != nil {
		return nil, 0, err
	}
	return res, g.seq, nil
}

func (ix *Index) searchIn(
	ctx context.Context, g *generation, vec []float32, k int, allow func(caseID string) bool,
) ([]neighbor.Result, error) {
	if len(g.entries) == 0 {
		return nil, domain.ErrEmptyIndex
	}
	if len(vec) != ix.cfg.Dimension {
		return nil, domain.NewDimensionMismatch(ix.cfg.Dimension, len(vec))
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d: %w", k, domain.ErrInvalidInput)
	}
	if err := checkFinite(vec); err != nil {
		return nil, fmt.Errorf("query vector: %w", err)
	}

	qNorm := norm(vec)
	h := make(candidateHeap, 0, min(k, len(g.entries)))

	for i, e := range g.entries {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, contextError(err)
			}
		}
		if allow != nil && !allow(e.CaseID) {
			continue
		}
		c := candidate{caseID: e.CaseID, distance: ix.distance(vec, qNorm, e.Vector, g.norms[i])}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if c.less(h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	sort.Slice(h, func(i, j int) bool { return h[i].less(h[j]) })
	out := make([]neighbor.Result, len(h))
	for i, c := range h {
		out[i] = neighbor.New(c.caseID, c.distance, i)
	}
	return out, nil
}

func (ix *Index) distance(q []float32, qNorm float64, v []float32, vNorm float64) float64 {
	switch ix.cfg.Metric {
	case Cosine:
		if qNorm == 0 || vNorm == 0 {
			return 1
		}
		d := 1 - dot(q, v)/(qNorm*vNorm)
		if d < 0 {
			return 0
		}
		return d
	default:
		var sum float64
		for i := range q {
			diff := float64(q[i]) - float64(v[i])
			sum += diff * diff
		}
		return math.Sqrt(sum)
	}
}

// prepare validates a batch and returns copies of the vectors keyed by case id (last wins).
func (ix *Index) prepare(entries []Entry) (map[string]Entry, error) {
	out := make(map[string]Entry, len(entries))
	for i, e := range entries {
		if e.CaseID == "" {
			return nil, fmt.Errorf("entry [%d]: case id is required: %w", i, domain.ErrInvalidInput)
		}
		if len(e.Vector) != ix.cfg.Dimension {
			return nil, fmt.Errorf("entry %q: %w", e.CaseID, domain.NewDimensionMismatch(ix.cfg.Dimension, len(e.Vector)))
		}
		if err := checkFinite(e.Vector); err != nil {
			return nil, fmt.Errorf("entry %q: %w", e.CaseID, err)
		}
		v := make([]float32, len(e.Vector))
		copy(v, e.Vector)
		out[e.CaseID] = Entry{CaseID: e.CaseID, Vector: v}
	}
	return out, nil
}

func (ix *Index) build(entries []Entry, seq uint64) *generation {
	sort.Slice(entries, func(i, j int) bool { return entries[i].CaseID < entries[j].CaseID })
	g := &generation{
		seq:     seq,
		entries: entries,
		norms:   make([]float64, len(entries)),
		pos:     make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		g.norms[i] = norm(e.Vector)
		g.pos[e.CaseID] = i
	}
	return g
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("search: %w", domain.ErrTimeout)
	}
	return fmt.Errorf("search: %w", err)
}

func checkFinite(v []float32) error {
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("component %d is not finite: %w", i, domain.ErrInvalidInput)
		}
	}
	return nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 { return math.Sqrt(dot(v, v)) }

type candidate struct {
	caseID   string
	distance float64
}

func (c candidate) less(o candidate) bool {
	if c.distance != o.distance {
		return c.distance < o.distance
	}
	return c.caseID < o.caseID
}

// candidateHeap is a max-heap: the worst kept candidate sits at the root.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[j].less(h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
