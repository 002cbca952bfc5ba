package chi

import (
	"fmt"
	"time"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/domain/finding"
	"github.com/kailas-cloud/cxrag/internal/domain/patient"
	"github.com/kailas-cloud/cxrag/internal/usecase/indexing"
)

// FindingInput is one detected finding from the image model.
type FindingInput struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
}

// PatientInput is optional patient metadata.
type PatientInput struct {
	Name  string            `json:"name,omitempty"`
	Age   *int              `json:"age,omitempty"`
	Sex   string            `json:"sex,omitempty"`
	Extra map[string]string `json:"metadata,omitempty"`
}

// ReportRequest is the body of POST /v1/reports.
type ReportRequest struct {
	Findings   []FindingInput `json:"findings"`
	Patient    *PatientInput  `json:"patient,omitempty"`
	K          int            `json:"k,omitempty"`
	FilterTags []string       `json:"filter_tags,omitempty"`
	Debug      bool           `json:"debug,omitempty"`
}

// CaseInput is one historical case in an ingestion request.
type CaseInput struct {
	ID       string            `json:"id"`
	Report   string            `json:"report_text"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IngestRequest is the body of POST /v1/cases.
type IngestRequest struct {
	Cases []CaseInput `json:"cases"`
}

// IngestResponse is the body returned by POST /v1/cases.
type IngestResponse struct {
	Ingested  int `json:"ingested"`
	IndexSize int `json:"index_size"`
}

// CaseResponse describes a stored case.
type CaseResponse struct {
	ID        string            `json:"id"`
	Report    string            `json:"report_text"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedded  bool              `json:"embedded"`
	Dimension int               `json:"dimension,omitempty"`
}

// JobResponse describes a rebuild job.
type JobResponse struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Entries    int        `json:"entries"`
	Generation uint64     `json:"generation"`
	Error      string     `json:"error,omitempty"`
}

// IndexResponse is the body of GET /v1/index.
type IndexResponse struct {
	Cases            int          `json:"cases"`
	Entries          int          `json:"entries"`
	Dimension        int          `json:"dimension"`
	Metric           string       `json:"metric"`
	Generation       uint64       `json:"generation"`
	Rebuilding       bool         `json:"rebuilding"`
	LastJob          *JobResponse `json:"last_job,omitempty"`
	SnapshotLocation string       `json:"snapshot_location,omitempty"`
}

// SnapshotResponse is the body of POST /v1/index/snapshot.
type SnapshotResponse struct {
	Location   string `json:"location"`
	Entries    int    `json:"entries"`
	Bytes      int    `json:"bytes"`
	Generation uint64 `json:"generation"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func findingsFromInput(in []FindingInput) ([]finding.Finding, error) {
	out := make([]finding.Finding, 0, len(in))
	for i, f := range in {
		ff, err := finding.New(f.Tag, f.Confidence)
		if err != nil {
			return nil, fmt.Errorf("findings[%d]: %w", i, err)
		}
		out = append(out, ff)
	}
	return out, nil
}

func patientFromInput(in *PatientInput) (patient.Meta, error) {
	if in == nil {
		return patient.Unknown(), nil
	}
	age := patient.UnknownAge
	if in.Age != nil {
		age = *in.Age
	}
	p, err := patient.New(in.Name, age, in.Sex, in.Extra)
	if err != nil {
		return patient.Meta{}, fmt.Errorf("patient: %w", err)
	}
	return p, nil
}

func casesFromInput(in []CaseInput) ([]casefile.Record, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("cases must not be empty: %w", domain.ErrInvalidInput)
	}
	out := make([]casefile.Record, 0, len(in))
	for i, c := range in {
		rec, err := casefile.New(c.ID, c.Report, c.Tags, c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("cases[%d]: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func caseToResponse(r casefile.Record) CaseResponse {
	tags := r.Tags()
	if tags == nil {
		tags = []string{}
	}
	return CaseResponse{
		ID:        r.ID(),
		Report:    r.ReportText(),
		Tags:      tags,
		Metadata:  r.Metadata(),
		Embedded:  r.Embedding() != nil,
		Dimension: len(r.Embedding()),
	}
}

func jobToResponse(j indexing.Job) *JobResponse {
	resp := &JobResponse{
		ID:         j.ID,
		State:      string(j.State),
		StartedAt:  j.StartedAt.UTC(),
		Entries:    j.Entries,
		Generation: j.Generation,
		Error:      j.Error,
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt.UTC()
		resp.FinishedAt = &t
	}
	return resp
}

func statusToResponse(st indexing.Status) IndexResponse {
	resp := IndexResponse{
		Cases:            st.Cases,
		Entries:          st.Entries,
		Dimension:        st.Dimension,
		Metric:           string(st.Metric),
		Generation:       st.Generation,
		Rebuilding:       st.Rebuilding,
		SnapshotLocation: st.SnapshotLocation,
	}
	if st.LastJob != nil {
		resp.LastJob = jobToResponse(*st.LastJob)
	}
	return resp
}
