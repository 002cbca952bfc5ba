package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyIndex signals a search against an index with no entries.
	ErrEmptyIndex = errors.New("index is empty")
	// ErrDimensionMismatch signals a vector whose length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrIndexVersionMismatch signals a snapshot recorded with a different dimension, metric or format.
	ErrIndexVersionMismatch = errors.New("index version mismatch")
	// ErrEmbedding signals text that cannot be embedded (blank input, zero vector).
	ErrEmbedding = errors.New("embedding error")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrTimeout signals an embedding or search call that exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrAssembly signals an internal invariant violation while building a report.
	ErrAssembly = errors.New("report assembly error")

	// ErrInvalidInput signals a malformed request or record.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicateCase signals a case id repeated inside one ingestion batch.
	ErrDuplicateCase = errors.New("duplicate case id")
	// ErrCaseNotFound signals a missing case record.
	ErrCaseNotFound = errors.New("case not found")
	// ErrRebuildInProgress signals a rebuild request while another one is running.
	ErrRebuildInProgress = errors.New("index rebuild already in progress")
	// ErrSnapshotNotFound signals that no persisted index snapshot exists.
	ErrSnapshotNotFound = errors.New("index snapshot not found")
	// ErrSnapshotCorrupt signals a snapshot blob that cannot be decoded.
	ErrSnapshotCorrupt = errors.New("index snapshot corrupt")
)

// DimensionMismatchError wraps ErrDimensionMismatch with the expected and actual lengths.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %d, got %d", ErrDimensionMismatch.Error(), e.Expected, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// NewDimensionMismatch creates a dimension mismatch error.
func NewDimensionMismatch(expected, got int) error {
	return &DimensionMismatchError{Expected: expected, Got: got}
}

// IndexVersionMismatchError wraps ErrIndexVersionMismatch with the disagreeing field.
type IndexVersionMismatchError struct {
	Field   string
	Running string
	Stored  string
}

func (e *IndexVersionMismatchError) Error() string {
	return fmt.Sprintf("%s: %s is %s in snapshot, %s in running configuration",
		ErrIndexVersionMismatch.Error(), e.Field, e.Stored, e.Running)
}

func (e *IndexVersionMismatchError) Unwrap() error { return ErrIndexVersionMismatch }

// NewIndexVersionMismatch creates an index version mismatch error.
func NewIndexVersionMismatch(field, running, stored string) error {
	return &IndexVersionMismatchError{Field: field, Running: running, Stored: stored}
}
