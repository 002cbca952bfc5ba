package chi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/domain"
)

// ErrorCode is the machine-readable code of an error response.
type ErrorCode string

// Error codes.
const (
	CodeBadRequest           ErrorCode = "bad_request"
	CodeValidationFailed     ErrorCode = "validation_failed"
	CodeNoSimilarCases       ErrorCode = "no_similar_cases"
	CodeCaseNotFound         ErrorCode = "case_not_found"
	CodeDuplicateCase        ErrorCode = "duplicate_case"
	CodeEmbeddingFailed      ErrorCode = "embedding_failed"
	CodeDimensionMismatch    ErrorCode = "dimension_mismatch"
	CodeIndexVersionMismatch ErrorCode = "index_version_mismatch"
	CodeRebuildInProgress    ErrorCode = "rebuild_in_progress"
	CodeSnapshotNotFound     ErrorCode = "snapshot_not_found"
	CodeSnapshotCorrupt      ErrorCode = "snapshot_corrupt"
	CodeTimeout              ErrorCode = "timeout"
	CodeProviderError        ErrorCode = "embedding_provider_error"
	CodeAssemblyError        ErrorCode = "assembly_error"
	CodeInternalError        ErrorCode = "internal_error"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// clientSentinels are the errors whose message is safe to show to clients.
var clientSentinels = []error{
	domain.ErrEmptyIndex,
	domain.ErrCaseNotFound,
	domain.ErrDuplicateCase,
	domain.ErrInvalidInput,
	domain.ErrEmbedding,
	domain.ErrDimensionMismatch,
	domain.ErrIndexVersionMismatch,
	domain.ErrRebuildInProgress,
	domain.ErrSnapshotNotFound,
	domain.ErrSnapshotCorrupt,
	domain.ErrTimeout,
	domain.ErrEmbeddingProviderError,
	domain.ErrAssembly,
}

// detailedSentinels carry request-specific detail worth returning verbatim.
var detailedSentinels = []error{
	domain.ErrInvalidInput,
	domain.ErrDuplicateCase,
	domain.ErrCaseNotFound,
	domain.ErrDimensionMismatch,
	domain.ErrIndexVersionMismatch,
}

// safeDomainMessage returns an error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	for _, s := range detailedSentinels {
		if errors.Is(err, s) {
			return err.Error()
		}
	}
	for _, s := range clientSentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// loggedSentinelHandler is sentinelHandler for errors that signal a server
// side invariant violation and must reach the error log.
func loggedSentinelHandler(logger *zap.Logger, sentinel error, status int, code ErrorCode) errorHandler {
	inner := sentinelHandler(sentinel, status, code)
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !inner(w, err, msg) {
			return false
		}
		logger.Error("invariant violation", zap.Error(err))
		return true
	}
}

func defaultErrorHandlers(logger *zap.Logger) []errorHandler {
	return []errorHandler{
		loggedSentinelHandler(logger, domain.ErrAssembly, http.StatusInternalServerError, CodeAssemblyError),
		loggedSentinelHandler(logger, domain.ErrSnapshotCorrupt, http.StatusInternalServerError, CodeSnapshotCorrupt),
		sentinelHandler(domain.ErrEmptyIndex, http.StatusNotFound, CodeNoSimilarCases),
		sentinelHandler(domain.ErrCaseNotFound, http.StatusNotFound, CodeCaseNotFound),
		sentinelHandler(domain.ErrSnapshotNotFound, http.StatusNotFound, CodeSnapshotNotFound),
		sentinelHandler(domain.ErrDuplicateCase, http.StatusBadRequest, CodeDuplicateCase),
		sentinelHandler(domain.ErrEmbedding, http.StatusBadRequest, CodeEmbeddingFailed),
		sentinelHandler(domain.ErrInvalidInput, http.StatusBadRequest, CodeValidationFailed),
		sentinelHandler(domain.ErrDimensionMismatch, http.StatusConflict, CodeDimensionMismatch),
		sentinelHandler(domain.ErrIndexVersionMismatch, http.StatusConflict, CodeIndexVersionMismatch),
		sentinelHandler(domain.ErrRebuildInProgress, http.StatusConflict, CodeRebuildInProgress),
		sentinelHandler(domain.ErrTimeout, http.StatusGatewayTimeout, CodeTimeout),
		sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, CodeProviderError),
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
