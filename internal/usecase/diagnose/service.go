// Package diagnose runs the report pipeline: compose, embed, search, aggregate, synthesize.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/domain/finding"
	"github.com/kailas-cloud/cxrag/internal/domain/neighbor"
	"github.com/kailas-cloud/cxrag/internal/domain/patient"
	"github.com/kailas-cloud/cxrag/internal/domain/report"
	"github.com/kailas-cloud/cxrag/internal/logger"
	"github.com/kailas-cloud/cxrag/internal/metrics"
	"github.com/kailas-cloud/cxrag/internal/usecase/aggregate"
	"github.com/kailas-cloud/cxrag/internal/usecase/query"
	"github.com/kailas-cloud/cxrag/internal/usecase/synth"
)

// Defaults for Config zero values.
const (
	DefaultK             = 5
	DefaultMaxK          = 100
	DefaultSearchTimeout = 2 * time.Second
	DefaultRetryBackoff  = 100 * time.Millisecond
)

// Config bounds the pipeline.
type Config struct {
	DefaultK      int
	MaxK          int
	SearchTimeout time.Duration
	RetryBackoff  time.Duration
}

// Request is one report request. K == 0 selects the configured default.
type Request struct {
	Findings   []finding.Finding
	Patient    patient.Meta
	K          int
	FilterTags []string
	Debug      bool
}

// Service generates reports. It holds no per-request state.
type Service struct {
	composer   *query.Composer
	embedder   domain.Embedder
	index      Index
	cases      CaseResolver
	aggregator *aggregate.Aggregator
	synth      *synth.Synthesizer
	cfg        Config
}

// New creates a Service. embedder is the query-side chain ending in the guard.
func New(
	composer *query.Composer,
	embedder domain.Embedder,
	index Index,
	cases CaseResolver,
	aggregator *aggregate.Aggregator,
	synthesizer *synth.Synthesizer,
	cfg Config,
) *Service {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultK
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = DefaultMaxK
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultSearchTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Service{
		composer:   composer,
		embedder:   embedder,
		index:      index,
		cases:      cases,
		aggregator: aggregator,
		synth:      synthesizer,
		cfg:        cfg,
	}
}

// Generate produces a complete report or a single error; never a partial report.
func (s *Service) Generate(ctx context.Context, req Request) (report.Report, error) {
	start := time.Now()
	rep, err := s.generate(ctx, req)
	metrics.ReportDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.ReportsTotal.WithLabelValues("error").Inc()
	case rep.PrimaryFindings()[0].IsIndeterminate():
		metrics.ReportsTotal.WithLabelValues("indeterminate").Inc()
	default:
		metrics.ReportsTotal.WithLabelValues("ok").Inc()
	}
	return rep, err
}

func (s *Service) generate(ctx context.Context, req Request) (report.Report, error) {
	log := logger.FromContext(ctx)
	timings := make(map[string]time.Duration, 5)

	k := req.K
	if k == 0 {
		k = s.cfg.DefaultK
	}
	if k < 0 || k > s.cfg.MaxK {
		return report.Report{}, fmt.Errorf("k must be between 1 and %d, got %d: %w", s.cfg.MaxK, k, domain.ErrInvalidInput)
	}

	t := time.Now()
	q := s.composer.Compose(req.Findings, req.Patient, req.FilterTags)
	timings["compose"] = time.Since(t)

	t = time.Now()
	var vec []float32
	err := s.retryOnTimeout(ctx, "embed", func(ctx context.Context) error {
		res, err := s.embedder.Embed(ctx, q.Text())
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		vec = res.Embedding
		return nil
	})
	if err != nil {
		return report.Report{}, err
	}
	q = q.WithEmbedding(vec)
	timings["embed"] = time.Since(t)

	t = time.Now()
	var (
		neighbors  []neighbor.Result
		generation uint64
	)
	err = s.retryOnTimeout(ctx, "search", func(ctx context.Context) error {
		var err error
		neighbors, generation, err = s.search(ctx, q.Embedding(), k, q.FilterTags())
		return err
	})
	if err != nil {
		return report.Report{}, err
	}
	timings["search"] = time.Since(t)
	metrics.IndexSearchDuration.Observe(timings["search"].Seconds())

	// Records are read from the corpus once, after the search. A case
	// re-ingested in between is reported with its new record next to the
	// distance of the vector in the searched generation; aggregation and the
	// report always agree on the same record.
	cases := make(resolvedCases, len(neighbors))
	for _, n := range neighbors {
		if rec, ok := s.cases.Lookup(n.CaseID()); ok {
			cases[n.CaseID()] = rec
		}
	}

	t = time.Now()
	estimates, err := s.aggregator.Aggregate(neighbors, cases)
	if err != nil {
		return report.Report{}, fmt.Errorf("aggregate: %w", err)
	}
	timings["aggregate"] = time.Since(t)

	var trace *report.Trace
	if req.Debug {
		trace = &report.Trace{
			QueryText:       q.Text(),
			QueryTags:       q.Tags(),
			FilterTags:      q.FilterTags(),
			K:               k,
			Dimension:       s.index.Dimension(),
			Metric:          string(s.index.Metric()),
			IndexGeneration: generation,
			Neighbors:       traceNeighbors(neighbors),
			Timings:         timings,
		}
	}

	t = time.Now()
	rep, err := s.synth.Synthesize(synth.Input{
		Patient:   req.Patient,
		Estimates: estimates,
		Neighbors: neighbors,
		Cases:     cases,
		Trace:     trace,
	})
	if err != nil {
		return report.Report{}, fmt.Errorf("synthesize: %w", err)
	}
	timings["synthesize"] = time.Since(t)

	log.Debug("Report generated",
		zap.String("report_id", rep.ID()),
		zap.String("query", q.Text()),
		zap.Int("neighbors", len(neighbors)),
		zap.String("primary", estimates[0].Label()),
		zap.Float64("score", estimates[0].Score()),
	)
	return rep, nil
}

func (s *Service) search(
	ctx context.Context, vec []float32, k int, filterTags []string,
) ([]neighbor.Result, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SearchTimeout)
	defer cancel()

	var allow func(string) bool
	if len(filterTags) > 0 {
		allow = s.tagFilter(filterTags)
	}
	res, gen, err := s.index.SearchGeneration(ctx, vec, k, allow)
	if err != nil {
		return nil, 0, fmt.Errorf("search index: %w", err)
	}
	return res, gen, nil
}

func (s *Service) tagFilter(filterTags []string) func(string) bool {
	return func(caseID string) bool {
		rec, ok := s.cases.Lookup(caseID)
		if !ok {
			return false
		}
		for _, tag := range filterTags {
			if rec.HasTag(tag) {
				return true
			}
		}
		return false
	}
}

// retryOnTimeout runs op and, when it fails with ErrTimeout, once more after
// the configured backoff. Other errors and a canceled caller return at once.
func (s *Service) retryOnTimeout(ctx context.Context, step string, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || !errors.Is(err, domain.ErrTimeout) || ctx.Err() != nil {
		return err
	}

	logger.FromContext(ctx).Warn("Step timed out, retrying once",
		zap.String("step", step),
		zap.Duration("backoff", s.cfg.RetryBackoff),
		zap.Error(err),
	)
	timer := time.NewTimer(s.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s retry: %w", step, domain.ErrTimeout)
	case <-timer.C:
	}
	return op(ctx)
}

func traceNeighbors(ns []neighbor.Result) []report.TraceNeighbor {
	out := make([]report.TraceNeighbor, len(ns))
	for i, n := range ns {
		out[i] = report.TraceNeighbor{CaseID: n.CaseID(), Rank: n.Rank(), Distance: n.Distance()}
	}
	return out
}

// resolvedCases is the per-request view of the corpus records behind the
// neighbors.
type resolvedCases map[string]casefile.Record

func (r resolvedCases) Lookup(id string) (casefile.Record, bool) {
	rec, ok := r[id]
	return rec, ok
}
