package query

// Query is the per-request normalized retrieval query.
type Query struct {
	text       string
	tags       []string
	filterTags []string
	embedding  []float32
}

// New creates a Query from composed text, the canonical tag order and optional filter tags.
func New(text string, tags, filterTags []string) Query {
	return Query{text: text, tags: tags, filterTags: filterTags}
}

// Text returns the composed query sentence.
func (q *Query) Text() string { return q.text }

// Tags returns the retained finding tags in canonical order.
func (q *Query) Tags() []string { return q.tags }

// FilterTags returns the tags a neighbor must carry at least one of. Empty means no filter.
func (q *Query) FilterTags() []string { return q.filterTags }

// HasFilter reports whether neighbors are restricted by tag.
func (q *Query) HasFilter() bool { return len(q.filterTags) > 0 }

// Embedding returns the query vector, or nil before embedding.
func (q *Query) Embedding() []float32 { return q.embedding }

// WithEmbedding returns a copy carrying the query vector.
func (q *Query) WithEmbedding(v []float32) Query {
	return Query{text: q.text, tags: q.tags, filterTags: q.filterTags, embedding: v}
}
