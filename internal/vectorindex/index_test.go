package vectorindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kailas-cloud/cxrag/internal/domain"
)

func newTestIndex(t *testing.T, dim int, metric Metric) *Index {
	t.Helper()
	ix, err := New(Config{Dimension: dim, Metric: metric})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ix
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{Dimension: 0, Metric: Cosine}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for zero dimension, got %v", err)
	}
	if _, err := New(Config{Dimension: 3, Metric: "manhattan"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown metric, got %v", err)
	}
}

func TestMetric_Similarity(t *testing.T) {
	tests := []struct {
		metric Metric
		dist   float64
		want   float64
	}{
		{Cosine, 0, 1},
		{Cosine, 0.35, 0.65},
		{Cosine, 1.5, 0},
		{Euclidean, 0, 1},
		{Euclidean, 1, 0.5},
		{Euclidean, 3, 0.25},
	}
	for _, tt := range tests {
		if got := tt.metric.Similarity()(tt.dist); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s similarity(%v) = %v, want %v", tt.metric, tt.dist, got, tt.want)
		}
	}
}

func TestSearch_WorkedExample(t *testing.T) {
	ix := newTestIndex(t, 2, Euclidean)
	err := ix.InsertBatch([]Entry{
		{CaseID: "case1", Vector: []float32{0.1, 0}},
		{CaseID: "case2", Vector: []float32{0.3, 0}},
		{CaseID: "case3", Vector: []float32{0.9, 0}},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	got, err := ix.Search(context.Background(), []float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(got))
	}
	want := []struct {
		id string
		d  float64
	}{{"case1", 0.1}, {"case2", 0.3}}
	for i, w := range want {
		if got[i].CaseID() != w.id || got[i].Rank() != i || math.Abs(got[i].Distance()-w.d) > 1e-6 {
			t.Errorf("neighbor %d: got (%s, rank %d, d %.4f), want (%s, %d, %.4f)",
				i, got[i].CaseID(), got[i].Rank(), got[i].Distance(), w.id, i, w.d)
		}
	}
}

func TestSearch_KLargerThanSize(t *testing.T) {
	ix := newTestIndex(t, 2, Euclidean)
	_ = ix.InsertBatch([]Entry{{CaseID: "a", Vector: []float32{1, 0}}, {CaseID: "b", Vector: []float32{0, 1}}})

	got, err := ix.Search(context.Background(), []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected all 2 entries, got %d", len(got))
	}
}

func TestSearch_TiesBrokenByCaseID(t *testing.T) {
	ix := newTestIndex(t, 2, Euclidean)
	_ = ix.InsertBatch([]Entry{
		{CaseID: "zeta", Vector: []float32{1, 0}},
		{CaseID: "alpha", Vector: []float32{0, 1}},
		{CaseID: "mid", Vector: []float32{-1, 0}},
	})

	got, err := ix.Search(context.Background(), []float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got[0].CaseID() != "alpha" || got[1].CaseID() != "mid" {
		t.Errorf("expected [alpha mid], got [%s %s]", got[0].CaseID(), got[1].CaseID())
	}
}

func TestSearch_Errors(t *testing.T) {
	ix := newTestIndex(t, 3, Cosine)
	if _, err := ix.Search(context.Background(), []float32{1, 0, 0}, 1); !errors.Is(err, domain.ErrEmptyIndex) {
		t.Errorf("expected ErrEmptyIndex, got %v", err)
	}

	_ = ix.InsertBatch([]Entry{{CaseID: "a", Vector: []float32{1, 0, 0}}})

	_, err := ix.Search(context.Background(), []float32{1, 0}, 1)
	var dm *domain.DimensionMismatchError
	if !errors.As(err, &dm) || dm.Expected != 3 || dm.Got != 2 {
		t.Errorf("expected dimension mismatch 3/2, got %v", err)
	}
	if _, err := ix.Search(context.Background(), []float32{1, 0, 0}, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for k=0, got %v", err)
	}
	nan := float32(math.NaN())
	if _, err := ix.Search(context.Background(), []float32{nan, 0, 0}, 1); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for NaN query, got %v", err)
	}
}

func TestSearch_DeadlineMapsToTimeout(t *testing.T) {
	ix := newTestIndex(t, 2, Euclidean)
	_ = ix.InsertBatch([]Entry{{CaseID: "a", Vector: []float32{1, 0}}})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := ix.Search(ctx, []float32{1, 0}, 1); !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestSearch_CosineDistance(t *testing.T) {
	ix := newTestIndex(t, 2, Cosine)
	_ = ix.InsertBatch([]Entry{
		{CaseID: "same", Vector: []float32{2, 0}},
		{CaseID: "orthogonal", Vector: []float32{0, 5}},
		{CaseID: "opposite", Vector: []float32{-1, 0}},
	})

	got, err := ix.Search(context.Background(), []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := map[string]float64{"same": 0, "orthogonal": 1, "opposite": 2}
	for _, n := range got {
		if math.Abs(n.Distance()-want[n.CaseID()]) > 1e-9 {
			t.Errorf("%s: distance %f, want %f", n.CaseID(), n.Distance(), want[n.CaseID()])
		}
	}
	if got[0].CaseID() != "same" || got[2].CaseID() != "opposite" {
		t.Errorf("unexpected order: %s %s %s", got[0].CaseID(), got[1].CaseID(), got[2].CaseID())
	}
}

func TestSearchFiltered(t *testing.T) {
	ix := newTestIndex(t, 1, Euclidean)
	_ = ix.InsertBatch([]Entry{
		{CaseID: "a", Vector: []float32{0}},
		{CaseID: "b", Vector: []float32{1}},
		{CaseID: "c", Vector: []float32{2}},
	})

	got, err := ix.SearchFiltered(context.Background(), []float32{0}, 2, func(id string) bool { return id != "a" })
	if err != nil {
		t.Fatalf("SearchFiltered: %v", err)
	}
	if len(got) != 2 || got[0].CaseID() != "b" || got[0].Rank() != 0 || got[1].CaseID() != "c" {
		t.Errorf("unexpected filtered result: %+v", got)
	}

	none, err := ix.SearchFiltered(context.Background(), []float32{0}, 2, func(string) bool { return false })
	if err != nil || len(none) != 0 {
		t.Errorf("expected empty result without error, got %v, %v", none, err)
	}
}

func TestInsertBatch_LastWriteWins(t *testing.T) {
	ix := newTestIndex(t, 1, Euclidean)
	_ = ix.InsertBatch([]Entry{{CaseID: "a", Vector: []float32{5}}})
	_ = ix.InsertBatch([]Entry{
		{CaseID: "a", Vector: []float32{3}},
		{CaseID: "a", Vector: []float32{1}},
	})

	if ix.Size() != 1 {
		t.Fatalf("expected 1 entry, got %d", ix.Size())
	}
	got, _ := ix.Search(context.Background(), []float32{0}, 1)
	if got[0].Distance() != 1 {
		t.Errorf("expected last vector to win (d=1), got d=%f", got[0].Distance())
	}
}

func TestInsertBatch_AllOrNothing(t *testing.T) {
	ix := newTestIndex(t, 2, Euclidean)
	_ = ix.InsertBatch([]Entry{{CaseID: "a", Vector: []float32{1, 1}}})
	gen := ix.Generation()

	err := ix.InsertBatch([]Entry{
		{CaseID: "b", Vector: []float32{1, 1}},
		{CaseID: "c", Vector: []float32{1}},
	})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if ix.Size() != 1 || ix.Contains("b") || ix.Generation() != gen {
		t.Error("failed batch must not change the index")
	}
}

func TestInsertBatch_CopiesVectors(t *testing.T) {
	ix := newTestIndex(t, 1, Euclidean)
	v := []float32{1}
	_ = ix.InsertBatch([]Entry{{CaseID: "a", Vector: v}})
	v[0] = 100

	if got := ix.Entries()[0].Vector[0]; got != 1 {
		t.Errorf("index must own its vectors, got %f", got)
	}
}

func TestRebuild_ReplacesContents(t *testing.T) {
	ix := newTestIndex(t, 1, Euclidean)
	_ = ix.InsertBatch([]Entry{{CaseID: "old", Vector: []float32{0}}})

	if err := ix.Rebuild([]Entry{{CaseID: "new1", Vector: []float32{1}}, {CaseID: "new2", Vector: []float32{2}}}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if ix.Contains("old") || ix.Size() != 2 {
		t.Errorf("rebuild must replace the entry set, size=%d", ix.Size())
	}

	if err := ix.Rebuild(nil); err != nil {
		t.Fatalf("Rebuild(nil): %v", err)
	}
	if _, err := ix.Search(context.Background(), []float32{0}, 1); !errors.Is(err, domain.ErrEmptyIndex) {
		t.Errorf("expected ErrEmptyIndex after empty rebuild, got %v", err)
	}
}

// Searches racing a rebuild must see either the full old set or the full new set.
func TestRebuild_AtomicSwapUnderConcurrentSearch(t *testing.T) {
	const n = 200
	setA := make([]Entry, n)
	setB := make([]Entry, n)
	for i := range n {
		setA[i] = Entry{CaseID: fmt.Sprintf("a-%03d", i), Vector: []float32{float32(i)}}
		setB[i] = Entry{CaseID: fmt.Sprintf("b-%03d", i), Vector: []float32{float32(i)}}
	}

	ix := newTestIndex(t, 1, Euclidean)
	if err := ix.Rebuild(setA); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := ix.Search(context.Background(), []float32{0}, n)
				if err != nil {
					errs <- err
					return
				}
				prefix := got[0].CaseID()[:2]
				for _, r := range got {
					if r.CaseID()[:2] != prefix {
						errs <- fmt.Errorf("mixed generations: %s and %s", prefix, r.CaseID())
						return
					}
				}
				if len(got) != n {
					errs <- fmt.Errorf("partial result: %d entries", len(got))
					return
				}
			}
		}()
	}

	for i := range 50 {
		set := setA
		if i%2 == 0 {
			set = setB
		}
		if err := ix.Rebuild(set); err != nil {
			t.Fatalf("Rebuild: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	ix := newTestIndex(t, 3, Cosine)
	_ = ix.InsertBatch([]Entry{
		{CaseID: "case-1", Vector: []float32{0.1, 0.2, 0.3}},
		{CaseID: "case-2", Vector: []float32{-1, 0, 2.5}},
	})

	var buf bytes.Buffer
	if err := ix.WriteSnapshot(&buf); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	restored := newTestIndex(t, 3, Cosine)
	if err := restored.LoadSnapshot(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	want := ix.Entries()
	got := restored.Entries()
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].CaseID != want[i].CaseID {
			t.Errorf("entry %d: id %s, want %s", i, got[i].CaseID, want[i].CaseID)
		}
		for j := range want[i].Vector {
			if got[i].Vector[j] != want[i].Vector[j] {
				t.Errorf("entry %d: vector %v, want %v", i, got[i].Vector, want[i].Vector)
				break
			}
		}
	}
}

func TestSnapshot_ConfigMismatch(t *testing.T) {
	ix := newTestIndex(t, 2, Cosine)
	_ = ix.InsertBatch([]Entry{{CaseID: "a", Vector: []float32{1, 0}}})
	var buf bytes.Buffer
	_ = ix.WriteSnapshot(&buf)

	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"dimension", Config{Dimension: 3, Metric: Cosine}, "dimension"},
		{"metric", Config{Dimension: 2, Metric: Euclidean}, "metric"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSnapshot(bytes.NewReader(buf.Bytes()), tt.cfg)
			var vm *domain.IndexVersionMismatchError
			if !errors.As(err, &vm) || vm.Field != tt.field {
				t.Errorf("expected version mismatch on %s, got %v", tt.field, err)
			}
			if !errors.Is(err, domain.ErrIndexVersionMismatch) {
				t.Errorf("expected errors.Is ErrIndexVersionMismatch, got %v", err)
			}
		})
	}
}

func TestSnapshot_Corrupt(t *testing.T) {
	ix := newTestIndex(t, 2, Euclidean)
	_ = ix.InsertBatch([]Entry{{CaseID: "a", Vector: []float32{1, 2}}})
	var buf bytes.Buffer
	_ = ix.WriteSnapshot(&buf)
	data := buf.Bytes()

	flipped := bytes.Clone(data)
	flipped[len(flipped)-6] ^= 0xff

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("NOPE"), data[4:]...)},
		{"truncated", data[:len(data)-3]},
		{"checksum", flipped},
		{"trailing", append(bytes.Clone(data), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restored := newTestIndex(t, 2, Euclidean)
			err := restored.LoadSnapshot(bytes.NewReader(tt.data))
			if !errors.Is(err, domain.ErrSnapshotCorrupt) {
				t.Errorf("expected ErrSnapshotCorrupt, got %v", err)
			}
			if restored.Size() != 0 {
				t.Error("failed load must leave the index untouched")
			}
		})
	}
}
