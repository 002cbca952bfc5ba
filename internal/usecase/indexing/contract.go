package indexing

import (
	"context"
	"io"

	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/vectorindex"
)

// CorpusStore is the case corpus as seen by indexing (ISP).
type CorpusStore interface {
	Ingest(records []casefile.Record) (undo func(), err error)
	Lookup(id string) (casefile.Record, bool)
	All() []casefile.Record
	Len() int
	AttachEmbedding(id, embeddedText string, vec []float32) bool
}

// Index is the write side of the vector index.
type Index interface {
	InsertBatch(entries []vectorindex.Entry) error
	Rebuild(entries []vectorindex.Entry) error
	WriteSnapshot(w io.Writer) error
	Size() int
	Dimension() int
	Metric() vectorindex.Metric
	Generation() uint64
}

// SnapshotStore persists snapshot blobs.
type SnapshotStore interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
	Location() string
}
