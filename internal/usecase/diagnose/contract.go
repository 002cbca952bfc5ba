package diagnose

import (
	"context"

	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/domain/neighbor"
	"github.com/kailas-cloud/cxrag/internal/vectorindex"
)

// Index is the read side of the vector index (ISP).
type Index interface {
	// SearchGeneration returns the neighbors and the generation they came
	// from. A nil allow admits every entry.
	SearchGeneration(
		ctx context.Context, vec []float32, k int, allow func(caseID string) bool,
	) ([]neighbor.Result, uint64, error)
	Dimension() int
	Metric() vectorindex.Metric
}

// CaseResolver resolves case ids to corpus records.
type CaseResolver interface {
	Lookup(id string) (casefile.Record, bool)
}
