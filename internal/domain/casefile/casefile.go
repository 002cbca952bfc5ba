package casefile

import (
	"fmt"
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/finding"
)

var idRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// MaxReportSize is the maximum report text size in bytes.
const MaxReportSize = 65536

// Record is a historical case (immutable value object). The embedding is
// attached once after ingestion and never changes for that record value.
type Record struct {
	id         string
	reportText string
	tags       []string
	metadata   map[string]string
	embedding  []float32
}

// New validates and creates a Record.
// ID: ^[A-Za-z0-9_.:-]+$, 1-256 chars. Report text: non-empty, max 64KB.
// Tags are normalized, de-duplicated and stored sorted.
func New(id, reportText string, tags []string, metadata map[string]string) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("case ID is required: %w", domain.ErrInvalidInput)
	}
	if len(id) > 256 {
		return Record{}, fmt.Errorf("case ID too long (max 256): %w", domain.ErrInvalidInput)
	}
	if !idRegex.MatchString(id) {
		return Record{}, fmt.Errorf("case ID %q must be alphanumeric with '_', '.', ':' or '-': %w", id, domain.ErrInvalidInput)
	}
	if reportText == "" {
		return Record{}, fmt.Errorf("case %q: report text is required: %w", id, domain.ErrInvalidInput)
	}
	if len(reportText) > MaxReportSize {
		return Record{}, fmt.Errorf("case %q: report text too large (max %d bytes): %w", id, MaxReportSize, domain.ErrInvalidInput)
	}

	norm := finding.NormalizeTags(tags)
	sort.Strings(norm)

	return Record{
		id:         id,
		reportText: reportText,
		tags:       norm,
		metadata:   cloneStringMap(metadata),
	}, nil
}

// ID returns the case identifier.
func (r *Record) ID() string { return r.id }

// ReportText returns the free-text radiology report.
func (r *Record) ReportText() string { return r.reportText }

// Tags returns the normalized finding labels in ascending order.
func (r *Record) Tags() []string { return r.tags }

// HasTag reports whether the record carries the given normalized tag.
func (r *Record) HasTag(tag string) bool {
	i := sort.SearchStrings(r.tags, tag)
	return i < len(r.tags) && r.tags[i] == tag
}

// Metadata returns the open-ended metadata bag (extra ingestion columns).
func (r *Record) Metadata() map[string]string { return r.metadata }

// Embedding returns the cached embedding, or nil if it was not computed yet.
func (r *Record) Embedding() []float32 { return r.embedding }

// WithEmbedding returns a copy carrying the given embedding.
func (r *Record) WithEmbedding(v []float32) Record {
	return Record{
		id: r.id, reportText: r.reportText, tags: r.tags, metadata: r.metadata,
		embedding: v,
	}
}

// Excerpt returns the first n runes of the report, with "..." when truncated.
func (r *Record) Excerpt(n int) string {
	if utf8.RuneCountInString(r.reportText) <= n {
		return r.reportText
	}
	runes := []rune(r.reportText)
	return string(runes[:n]) + "..."
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
