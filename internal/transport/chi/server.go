package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	chirouter "github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/metrics"
	diagnoseuc "github.com/kailas-cloud/cxrag/internal/usecase/diagnose"
	healthuc "github.com/kailas-cloud/cxrag/internal/usecase/health"
	indexinguc "github.com/kailas-cloud/cxrag/internal/usecase/indexing"
)

// Server serves the report, corpus and index API.
type Server struct {
	reports       *diagnoseuc.Service
	indexing      *indexinguc.Service
	health        *healthuc.Service
	logger        *zap.Logger
	maxBodyBytes  int64
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	reports *diagnoseuc.Service,
	indexing *indexinguc.Service,
	health *healthuc.Service,
	logger *zap.Logger,
) *Server {
	return &Server{
		reports:       reports,
		indexing:      indexing,
		health:        health,
		logger:        logger,
		errorHandlers: defaultErrorHandlers(logger),
	}
}

// WithMaxBodyBytes caps request body size. Zero disables the cap.
func (s *Server) WithMaxBodyBytes(n int64) *Server {
	s.maxBodyBytes = n
	return s
}

// Handler returns the full router with middleware installed.
func (s *Server) Handler() http.Handler {
	r := chirouter.NewRouter()
	r.Use(JSONRecoverer(s.logger))
	r.Use(chimw.RequestID)
	r.Use(WideEventMiddleware(s.logger))
	r.Use(metrics.Middleware())
	r.Use(MaxBodyBytes(s.maxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chirouter.Router) {
		r.Post("/reports", s.GenerateReport)
		r.Post("/cases", s.IngestCases)
		r.Get("/cases/{id}", s.GetCase)
		r.Get("/index", s.GetIndex)
		r.Post("/index/rebuild", s.RebuildIndex)
		r.Post("/index/snapshot", s.SaveSnapshot)
	})
	return r
}

// GenerateReport handles POST /v1/reports.
func (s *Server) GenerateReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !s.decode(w, r, &req) {
		return
	}

	findings, err := findingsFromInput(req.Findings)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	p, err := patientFromInput(req.Patient)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	rep, err := s.reports.Generate(ctx, diagnoseuc.Request{
		Findings:   findings,
		Patient:    p,
		K:          req.K,
		FilterTags: req.FilterTags,
		Debug:      req.Debug,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	setEmbeddingHeaders(w, usage)
	writeJSON(w, http.StatusOK, rep.Map())
}

// IngestCases handles POST /v1/cases.
func (s *Server) IngestCases(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !s.decode(w, r, &req) {
		return
	}

	records, err := casesFromInput(req.Cases)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	res, err := s.indexing.Ingest(ctx, records)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	setEmbeddingHeaders(w, usage)
	writeJSON(w, http.StatusOK, IngestResponse{Ingested: res.Ingested, IndexSize: res.IndexSize})
}

// GetCase handles GET /v1/cases/{id}.
func (s *Server) GetCase(w http.ResponseWriter, r *http.Request) {
	rec, err := s.indexing.Case(chirouter.URLParam(r, "id"))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caseToResponse(rec))
}

// GetIndex handles GET /v1/index.
func (s *Server) GetIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusToResponse(s.indexing.Status()))
}

// RebuildIndex handles POST /v1/index/rebuild. The rebuild runs in the
// background; poll GET /v1/index for its outcome.
func (s *Server) RebuildIndex(w http.ResponseWriter, _ *http.Request) {
	job, err := s.indexing.StartRebuild()
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

// SaveSnapshot handles POST /v1/index/snapshot.
func (s *Server) SaveSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := s.indexing.SaveSnapshot(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{
		Location:   info.Location,
		Entries:    info.Entries,
		Bytes:      info.Bytes,
		Generation: info.Generation,
	})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, HealthResponse{Status: string(report.Status), Checks: checks})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeBadRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func setEmbeddingHeaders(w http.ResponseWriter, usage *domain.EmbeddingUsage) {
	if usage != nil && usage.Calls > 0 {
		w.Header().Set("X-Embedding-Tokens", strconv.Itoa(usage.TotalTokens))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
