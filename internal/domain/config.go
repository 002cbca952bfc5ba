package domain

// KeyPrefix namespaces every key cxrag writes to the key-value store.
const KeyPrefix = "cxrag:"

// VectorConfig holds the default vectorization settings.
type VectorConfig struct {
	Model          string
	Dimensions     int
	DistanceMetric string
}

// DefaultVectorConfig returns the defaults of the local lexical embedder.
func DefaultVectorConfig() VectorConfig {
	return VectorConfig{
		Model:          "lexical-hash-v1",
		Dimensions:     384,
		DistanceMetric: "cosine",
	}
}
