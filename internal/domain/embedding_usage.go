package domain

import "context"

type embeddingUsageKey struct{}

// EmbeddingUsage accumulates embedding token usage for one report or ingestion request.
// The transport layer installs it, the use cases add to it, and the handler
// reports the total in a response header.
type EmbeddingUsage struct {
	TotalTokens int
	Calls       int
}

// NewContextWithUsage returns a context carrying a fresh usage collector.
func NewContextWithUsage(ctx context.Context) (context.Context, *EmbeddingUsage) {
	u := &EmbeddingUsage{}
	return context.WithValue(ctx, embeddingUsageKey{}, u), u
}

// UsageFromContext extracts the usage collector. Returns nil if not set.
func UsageFromContext(ctx context.Context) *EmbeddingUsage {
	u, _ := ctx.Value(embeddingUsageKey{}).(*EmbeddingUsage)
	return u
}

// AddTokens records one embedding call. Safe on a nil receiver.
func (u *EmbeddingUsage) AddTokens(n int) {
	if u != nil {
		u.TotalTokens += n
		u.Calls++
	}
}
