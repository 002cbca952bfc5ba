package finding

import (
	"fmt"
	"math"
	"strings"

	"github.com/kailas-cloud/cxrag/internal/domain"
)

// Finding is one (tag, confidence) pair reported by the upstream image classifier.
type Finding struct {
	tag        string
	confidence float64
}

// New validates and creates a Finding. The tag is normalized; confidence must be in [0,1].
func New(tag string, confidence float64) (Finding, error) {
	norm := NormalizeTag(tag)
	if norm == "" {
		return Finding{}, fmt.Errorf("finding tag is required: %w", domain.ErrInvalidInput)
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return Finding{}, fmt.Errorf("finding %q: confidence must be in [0,1], got %v: %w", norm, confidence, domain.ErrInvalidInput)
	}
	return Finding{tag: norm, confidence: confidence}, nil
}

// Tag returns the normalized finding label.
func (f Finding) Tag() string { return f.tag }

// Confidence returns the classifier confidence.
func (f Finding) Confidence() float64 { return f.confidence }

// NormalizeTag lower-cases a label, trims it and collapses inner whitespace,
// so "Pleural  Effusion " and "pleural effusion" are the same tag.
func NormalizeTag(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeTags normalizes, de-duplicates and drops empty labels, preserving first-seen order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
