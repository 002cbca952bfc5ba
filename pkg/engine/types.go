package engine

import (
	"time"

	"github.com/kailas-cloud/cxrag/internal/domain/patient"
	"github.com/kailas-cloud/cxrag/internal/domain/report"
)

// Case is one historical case: a report text with optional labels and metadata.
type Case struct {
	ID         string
	ReportText string
	// Tags are finding labels. When empty they are extracted from ReportText.
	Tags     []string
	Metadata map[string]string
}

// Finding is one label detected on the image, with its confidence in [0,1].
type Finding struct {
	Tag        string
	Confidence float64
}

// Patient is optional patient metadata. A nil Age means unknown.
type Patient struct {
	Name     string
	Age      *int
	Sex      string
	Metadata map[string]string
}

// ReportRequest asks for one report. K == 0 selects the configured default.
type ReportRequest struct {
	Findings   []Finding
	Patient    *Patient
	K          int
	FilterTags []string
	Debug      bool
}

// Estimate is one scored finding label and the cases that support it.
type Estimate struct {
	Label             string
	Score             float64
	SupportingCaseIDs []string
}

// SimilarCase is a cited historical case.
type SimilarCase struct {
	CaseID     string
	Rank       int
	Distance   float64
	Similarity float64
	Tags       []string
	Excerpt    string
}

// TraceNeighbor is one raw neighbor in the debug trace.
type TraceNeighbor struct {
	CaseID   string
	Rank     int
	Distance float64
}

// Trace carries pipeline internals of a debug report.
type Trace struct {
	QueryText       string
	QueryTags       []string
	FilterTags      []string
	K               int
	Dimension       int
	Metric          string
	IndexGeneration uint64
	Neighbors       []TraceNeighbor
	Timings         map[string]time.Duration
}

// Report is a generated report.
type Report struct {
	ID              string
	Patient         Patient
	PrimaryFindings []Estimate
	SimilarCases    []SimilarCase
	Impression      string
	GeneratedAt     time.Time
	Trace           *Trace

	data map[string]any
}

// Map renders the report as plain nested key-value data, the same shape the
// HTTP API returns.
func (r Report) Map() map[string]any { return r.data }

// IngestResult reports an ingestion outcome.
type IngestResult struct {
	Ingested  int
	IndexSize int
}

// Status is a point-in-time view of the corpus and index.
type Status struct {
	Cases      int
	Entries    int
	Dimension  int
	Metric     string
	Generation uint64
}

// SnapshotInfo describes a saved or loaded snapshot.
type SnapshotInfo struct {
	Location   string
	Entries    int
	Bytes      int
	Generation uint64
}

func reportFromDomain(r report.Report) Report {
	out := Report{
		ID:              r.ID(),
		Patient:         patientFromDomain(r.Patient()),
		PrimaryFindings: make([]Estimate, len(r.PrimaryFindings())),
		SimilarCases:    make([]SimilarCase, len(r.SimilarCases())),
		Impression:      r.Impression(),
		GeneratedAt:     r.GeneratedAt(),
		data:            r.Map(),
	}
	for i, e := range r.PrimaryFindings() {
		out.PrimaryFindings[i] = Estimate{
			Label:             e.Label(),
			Score:             e.Score(),
			SupportingCaseIDs: e.SupportingCaseIDs(),
		}
	}
	for i, c := range r.SimilarCases() {
		out.SimilarCases[i] = SimilarCase(c)
	}
	if t := r.DebugTrace(); t != nil {
		tr := &Trace{
			QueryText:       t.QueryText,
			QueryTags:       t.QueryTags,
			FilterTags:      t.FilterTags,
			K:               t.K,
			Dimension:       t.Dimension,
			Metric:          t.Metric,
			IndexGeneration: t.IndexGeneration,
			Neighbors:       make([]TraceNeighbor, len(t.Neighbors)),
			Timings:         t.Timings,
		}
		for i, n := range t.Neighbors {
			tr.Neighbors[i] = TraceNeighbor(n)
		}
		out.Trace = tr
	}
	return out
}

func patientFromDomain(p patient.Meta) Patient {
	out := Patient{Name: p.Name(), Sex: p.Sex(), Metadata: p.Extra()}
	if p.HasAge() {
		age := p.Age()
		out.Age = &age
	}
	return out
}
