package report

import (
	"time"

	"github.com/kailas-cloud/cxrag/internal/domain/diagnosis"
	"github.com/kailas-cloud/cxrag/internal/domain/patient"
)

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

// Trace carries pipeline internals, present only in debug mode.
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

// Report is the structured output of the engine.
type Report struct {
	id          string
	patient     patient.Meta
	findings    []diagnosis.Estimate
	similar     []SimilarCase
	impression  string
	generatedAt time.Time
	trace       *Trace
}

// New creates a report. Validation is the synthesizer's responsibility.
func New(
	id string, p patient.Meta, findings []diagnosis.Estimate, similar []SimilarCase,
	impression string, generatedAt time.Time, trace *Trace,
) Report {
	return Report{
		id: id, patient: p, findings: findings, similar: similar,
		impression: impression, generatedAt: generatedAt, trace: trace,
	}
}

// ID returns the report identifier.
func (r *Report) ID() string { return r.id }

// Patient returns the patient metadata.
func (r *Report) Patient() patient.Meta { return r.patient }

// PrimaryFindings returns the estimates in descending score order.
func (r *Report) PrimaryFindings() []diagnosis.Estimate { return r.findings }

// SimilarCases returns the cited cases in rank order.
func (r *Report) SimilarCases() []SimilarCase { return r.similar }

// Impression returns the narrative impression for the top finding.
func (r *Report) Impression() string { return r.impression }

// GeneratedAt returns the generation timestamp.
func (r *Report) GeneratedAt() time.Time { return r.generatedAt }

// DebugTrace returns the debug trace, or nil outside debug mode.
func (r *Report) DebugTrace() *Trace { return r.trace }

// Map renders the report as plain nested key-value data for serialization.
func (r *Report) Map() map[string]any {
	findings := make([]any, len(r.findings))
	for i, f := range r.findings {
		ids := make([]any, len(f.SupportingCaseIDs()))
		for j, id := range f.SupportingCaseIDs() {
			ids[j] = id
		}
		findings[i] = map[string]any{
			"label":               f.Label(),
			"score":               f.Score(),
			"supporting_case_ids": ids,
		}
	}

	similar := make([]any, len(r.similar))
	for i, c := range r.similar {
		similar[i] = map[string]any{
			"case_id":    c.CaseID,
			"rank":       c.Rank,
			"distance":   c.Distance,
			"similarity": c.Similarity,
			"tags":       stringsToAny(c.Tags),
			"excerpt":    c.Excerpt,
		}
	}

	out := map[string]any{
		"id":               r.id,
		"patient":          patientMap(r.patient),
		"primary_findings": findings,
		"similar_cases":    similar,
		"impression":       r.impression,
		"generated_at":     r.generatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.trace != nil {
		out["debug_trace"] = traceMap(r.trace)
	}
	return out
}

func patientMap(p patient.Meta) map[string]any {
	m := map[string]any{
		"name": p.Name(),
		"sex":  p.Sex(),
	}
	if p.HasAge() {
		m["age"] = p.Age()
	}
	if len(p.Extra()) > 0 {
		extra := make(map[string]any, len(p.Extra()))
		for k, v := range p.Extra() {
			extra[k] = v
		}
		m["metadata"] = extra
	}
	return m
}

func traceMap(t *Trace) map[string]any {
	neighbors := make([]any, len(t.Neighbors))
	for i, n := range t.Neighbors {
		neighbors[i] = map[string]any{
			"case_id":  n.CaseID,
			"rank":     n.Rank,
			"distance": n.Distance,
		}
	}
	timings := make(map[string]any, len(t.Timings))
	for k, v := range t.Timings {
		timings[k] = v.Seconds()
	}
	return map[string]any{
		"query_text":       t.QueryText,
		"query_tags":       stringsToAny(t.QueryTags),
		"filter_tags":      stringsToAny(t.FilterTags),
		"k":                t.K,
		"dimension":        t.Dimension,
		"metric":           t.Metric,
		"index_generation": t.IndexGeneration,
		"neighbors":        neighbors,
		"timings_seconds":  timings,
	}
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
