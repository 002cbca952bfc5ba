package neighbor

// Result is one nearest-neighbor hit. Rank is the dense 0-based position by
// ascending distance, ties broken by case id.
type Result struct {
	caseID   string
	distance float64
	rank     int
}

// New creates a neighbor result.
func New(caseID string, distance float64, rank int) Result {
	return Result{caseID: caseID, distance: distance, rank: rank}
}

// CaseID returns the referenced case id.
func (r Result) CaseID() string { return r.caseID }

// Distance returns the non-negative distance to the query vector.
func (r Result) Distance() float64 { return r.distance }

// Rank returns the 0-based rank.
func (r Result) Rank() int { return r.rank }

// SimilarityFunc maps a distance into [0,1], 1 meaning identical. The
// mapping depends on the metric that produced the distance.
type SimilarityFunc func(distance float64) float64

// InverseDistance is 1/(1+d), for unbounded metrics such as Euclidean.
func InverseDistance(d float64) float64 { return 1 / (1 + d) }

// CosineSimilarity turns a cosine distance (1-cos) back into the cosine
// similarity, clamped to [0,1].
func CosineSimilarity(d float64) float64 { return min(max(1-d, 0), 1) }
