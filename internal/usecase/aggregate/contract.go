package aggregate

import "github.com/kailas-cloud/cxrag/internal/domain/casefile"

// CaseResolver resolves a neighbor's case id to its record (ISP).
type CaseResolver interface {
	Lookup(id string) (casefile.Record, bool)
}
