// Package query composes the retrieval query from image findings.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/finding"
	"github.com/kailas-cloud/cxrag/internal/domain/patient"
	"github.com/kailas-cloud/cxrag/internal/domain/query"
)

// DefaultMinConfidence drops findings the classifier is unsure about.
const DefaultMinConfidence = 0.3

const noFindingsPhrase = "no acute cardiopulmonary abnormality"

// Composer renders findings and patient metadata into a canonical query text.
// Identical inputs always produce the identical query.
type Composer struct {
	minConfidence float64
}

// NewComposer creates a composer dropping findings below minConfidence.
func NewComposer(minConfidence float64) (*Composer, error) {
	if minConfidence < 0 || minConfidence > 1 || minConfidence != minConfidence {
		return nil, fmt.Errorf("min confidence must be in [0,1], got %v: %w", minConfidence, domain.ErrInvalidInput)
	}
	return &Composer{minConfidence: minConfidence}, nil
}

// MinConfidence returns the drop threshold.
func (c *Composer) MinConfidence() float64 { return c.minConfidence }

// Compose builds the query. Duplicate tags keep their highest confidence;
// surviving tags are ordered by descending confidence, then by name.
func (c *Composer) Compose(findings []finding.Finding, p patient.Meta, filterTags []string) query.Query {
	best := make(map[string]float64, len(findings))
	for _, f := range findings {
		if cur, ok := best[f.Tag()]; !ok || f.Confidence() > cur {
			best[f.Tag()] = f.Confidence()
		}
	}

	tags := make([]string, 0, len(best))
	for tag, conf := range best {
		if conf >= c.minConfidence {
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool {
		ci, cj := best[tags[i]], best[tags[j]]
		if ci != cj {
			return ci > cj
		}
		return tags[i] < tags[j]
	})

	return query.New(render(tags, p), tags, finding.NormalizeTags(filterTags))
}

func render(tags []string, p patient.Meta) string {
	var b strings.Builder
	b.WriteString("chest x-ray")
	if subject := describe(p); subject != "" {
		b.WriteString(" of a ")
		b.WriteString(subject)
		b.WriteString(" patient")
	}
	b.WriteString(" showing ")
	if len(tags) == 0 {
		b.WriteString(noFindingsPhrase)
	} else {
		b.WriteString(joinList(tags))
	}
	b.WriteString(".")
	return b.String()
}

func describe(p patient.Meta) string {
	var parts []string
	if p.HasAge() {
		parts = append(parts, strconv.Itoa(p.Age())+"-year-old")
	}
	if p.Sex() != "" {
		parts = append(parts, p.Sex())
	}
	return strings.Join(parts, " ")
}

func joinList(items []string) string {
	switch len(items) {
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
