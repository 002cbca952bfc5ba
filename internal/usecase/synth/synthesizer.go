// Package synth assembles the structured report from aggregated evidence.
package synth

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/domain/diagnosis"
	"github.com/kailas-cloud/cxrag/internal/domain/neighbor"
	"github.com/kailas-cloud/cxrag/internal/domain/patient"
	"github.com/kailas-cloud/cxrag/internal/domain/report"
)

// DefaultExcerptRunes bounds the report excerpt of each similar case.
const DefaultExcerptRunes = 400

// Input is everything one report is assembled from. Cases must hold the
// record of every neighbor and every supporting case id.
type Input struct {
	Patient   patient.Meta
	Estimates []diagnosis.Estimate
	Neighbors []neighbor.Result
	Cases     map[string]casefile.Record
	Trace     *report.Trace
}

// Synthesizer is a pure assembler apart from its id source and clock.
type Synthesizer struct {
	excerptRunes int
	similarity   neighbor.SimilarityFunc
	newID        func() string
	now          func() time.Time
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithExcerptRunes sets the excerpt length of similar cases.
func WithExcerptRunes(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.excerptRunes = n
		}
	}
}

// WithSimilarity sets how neighbor distances map to similarity. It must
// match the metric of the index the neighbors came from. The default is
// neighbor.InverseDistance.
func WithSimilarity(f neighbor.SimilarityFunc) Option {
	return func(s *Synthesizer) {
		if f != nil {
			s.similarity = f
		}
	}
}

// WithIDSource replaces the UUID generator.
func WithIDSource(f func() string) Option {
	return func(s *Synthesizer) { s.newID = f }
}

// WithClock replaces time.Now.
func WithClock(f func() time.Time) Option {
	return func(s *Synthesizer) { s.now = f }
}

// New creates a synthesizer.
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{
		excerptRunes: DefaultExcerptRunes,
		similarity:   neighbor.InverseDistance,
		newID:        uuid.NewString,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synthesize builds the report. Any structural inconsistency in the input
// fails with ErrAssembly and no report is returned.
func (s *Synthesizer) Synthesize(in Input) (report.Report, error) {
	if err := validate(in); err != nil {
		return report.Report{}, err
	}

	similar := make([]report.SimilarCase, len(in.Neighbors))
	evidence := make([]similarCase, len(in.Neighbors))
	for i, n := range in.Neighbors {
		rec := in.Cases[n.CaseID()]
		sim := s.similarity(n.Distance())
		similar[i] = report.SimilarCase{
			CaseID:     n.CaseID(),
			Rank:       n.Rank(),
			Distance:   n.Distance(),
			Similarity: sim,
			Tags:       rec.Tags(),
			Excerpt:    rec.Excerpt(s.excerptRunes),
		}
		evidence[i] = similarCase{record: rec, similarity: sim, rank: n.Rank()}
	}

	return report.New(
		s.newID(),
		in.Patient,
		in.Estimates,
		similar,
		impressionText(in.Estimates[0], evidence),
		s.now().UTC(),
		in.Trace,
	), nil
}

func validate(in Input) error {
	if len(in.Estimates) == 0 {
		return fmt.Errorf("no diagnosis estimates: %w", domain.ErrAssembly)
	}
	for i, e := range in.Estimates {
		if math.IsNaN(e.Score()) || e.Score() < 0 || e.Score() > 1 {
			return fmt.Errorf("estimate %q has score %v outside [0,1]: %w", e.Label(), e.Score(), domain.ErrAssembly)
		}
		if i > 0 && in.Estimates[i-1].Score() < e.Score() {
			return fmt.Errorf("estimates not sorted by descending score at %q: %w", e.Label(), domain.ErrAssembly)
		}
		for _, id := range e.SupportingCaseIDs() {
			if _, ok := in.Cases[id]; !ok {
				return fmt.Errorf("supporting case %q of %q is unknown: %w", id, e.Label(), domain.ErrAssembly)
			}
		}
	}
	for _, n := range in.Neighbors {
		if _, ok := in.Cases[n.CaseID()]; !ok {
			return fmt.Errorf("neighbor case %q is unknown: %w", n.CaseID(), domain.ErrAssembly)
		}
	}
	return nil
}
