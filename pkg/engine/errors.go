package engine

import "github.com/kailas-cloud/cxrag/internal/domain"

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrEmptyIndex             = domain.ErrEmptyIndex
	ErrInvalidInput           = domain.ErrInvalidInput
	ErrDuplicateCase          = domain.ErrDuplicateCase
	ErrCaseNotFound           = domain.ErrCaseNotFound
	ErrDimensionMismatch      = domain.ErrDimensionMismatch
	ErrIndexVersionMismatch   = domain.ErrIndexVersionMismatch
	ErrEmbedding              = domain.ErrEmbedding
	ErrEmbeddingProviderError = domain.ErrEmbeddingProviderError
	ErrTimeout                = domain.ErrTimeout
	ErrAssembly               = domain.ErrAssembly
	ErrRebuildInProgress      = domain.ErrRebuildInProgress
	ErrSnapshotNotFound       = domain.ErrSnapshotNotFound
	ErrSnapshotCorrupt        = domain.ErrSnapshotCorrupt
)
