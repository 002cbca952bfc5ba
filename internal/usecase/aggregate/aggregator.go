// Package aggregate turns retrieved neighbors into a ranked diagnosis distribution.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/diagnosis"
	"github.com/kailas-cloud/cxrag/internal/domain/neighbor"
)

// WeightFunc maps a neighbor distance to its evidence weight.
// It must be non-negative and non-increasing in distance.
type WeightFunc func(distance float64) float64

// InverseDistance is the default weight 1/(1+d). Finite at d=0.
func InverseDistance(distance float64) float64 {
	return 1 / (1 + distance)
}

// Config tunes an Aggregator. MaxFindings <= 0 keeps every label.
type Config struct {
	Weight      WeightFunc
	MaxFindings int
}

// Aggregator scores labels by the weight of the neighbors that carry them.
type Aggregator struct {
	weight      WeightFunc
	maxFindings int
}

// New creates an aggregator. A nil Weight selects InverseDistance.
func New(cfg Config) *Aggregator {
	w := cfg.Weight
	if w == nil {
		w = InverseDistance
	}
	return &Aggregator{weight: w, maxFindings: cfg.MaxFindings}
}

type tally struct {
	label      string
	raw        float64
	supporting []string
}

// Aggregate scores every distinct tag of the neighbors' cases. The score of a
// tag is the summed weight of neighbors carrying it over the summed weight of
// all neighbors, so each score lies in [0,1] and scores need not sum to 1.
// Estimates are ordered by descending score, then label; supporting ids keep
// neighbor rank order. No neighbors yields the single Indeterminate estimate.
// A neighbor whose case cannot be resolved fails with ErrAssembly.
func (a *Aggregator) Aggregate(neighbors []neighbor.Result, cases CaseResolver) ([]diagnosis.Estimate, error) {
	if len(neighbors) == 0 {
		return []diagnosis.Estimate{diagnosis.Indeterminate()}, nil
	}

	ordered := make([]neighbor.Result, len(neighbors))
	copy(ordered, neighbors)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rank() < ordered[j].Rank() })

	var total float64
	tallies := make(map[string]*tally)
	for _, n := range ordered {
		rec, ok := cases.Lookup(n.CaseID())
		if !ok {
			return nil, fmt.Errorf("neighbor %q has no case record: %w", n.CaseID(), domain.ErrAssembly)
		}
		w := a.weight(n.Distance())
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("weight %v for distance %v is not a finite non-negative number: %w",
				w, n.Distance(), domain.ErrAssembly)
		}
		total += w
		for _, tag := range rec.Tags() {
			t, ok := tallies[tag]
			if !ok {
				t = &tally{label: tag}
				tallies[tag] = t
			}
			t.raw += w
			t.supporting = append(t.supporting, n.CaseID())
		}
	}

	out := make([]diagnosis.Estimate, 0, len(tallies))
	for _, t := range tallies {
		out = append(out, diagnosis.New(t.label, normalize(t.raw, total), t.supporting))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score() != out[j].Score() {
			return out[i].Score() > out[j].Score()
		}
		return out[i].Label() < out[j].Label()
	})

	if len(out) == 0 {
		return []diagnosis.Estimate{diagnosis.Indeterminate()}, nil
	}
	if a.maxFindings > 0 && len(out) > a.maxFindings {
		out = out[:a.maxFindings]
	}
	return out, nil
}

func normalize(raw, total float64) float64 {
	if total <= 0 {
		return 0
	}
	s := raw / total
	if s > 1 {
		return 1
	}
	return s
}
