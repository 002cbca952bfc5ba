package diagnosis

// IndeterminateLabel is reported when no retrieved evidence exists.
const IndeterminateLabel = "Indeterminate"

// Estimate is one diagnosis label with its evidence score.
type Estimate struct {
	label      string
	score      float64
	supporting []string
}

// New creates an estimate. supporting must be ordered by neighbor rank.
func New(label string, score float64, supporting []string) Estimate {
	return Estimate{label: label, score: score, supporting: supporting}
}

// Indeterminate returns the single estimate used when there is no evidence.
func Indeterminate() Estimate {
	return Estimate{label: IndeterminateLabel, score: 0, supporting: []string{}}
}

// Label returns the diagnosis label.
func (e Estimate) Label() string { return e.label }

// Score returns the evidence score in [0,1].
func (e Estimate) Score() float64 { return e.score }

// SupportingCaseIDs returns the ids of neighbors carrying the label, in rank order.
func (e Estimate) SupportingCaseIDs() []string { return e.supporting }

// IsIndeterminate reports whether this is the no-evidence estimate.
func (e Estimate) IsIndeterminate() bool { return e.label == IndeterminateLabel }
