// cxrag-index builds the case index offline and writes it as a snapshot the
// API server loads at startup.
//
// Usage:
//
//	cxrag-index -csv data/cxr_reports.csv -out data/index.cxix
//
// Embedding provider, dimension, metric and snapshot backend come from
// config/<ENV>.yaml; the flags override the corpus path and the snapshot file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kailas-cloud/cxrag/internal/config"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/repository/corpus"
	"github.com/kailas-cloud/cxrag/internal/version"
	"github.com/kailas-cloud/cxrag/pkg/engine"
)

type flags struct {
	env     string
	csvPath string
	out     string
	verbose bool
	showVer bool
}

func main() {
	_ = godotenv.Load()
	f := parseFlags()
	if f.showVer {
		fmt.Println(version.String())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, f); err != nil {
		cancel()
		log.Fatal(err)
	}
}

func parseFlags() flags {
	f := flags{}
	flag.StringVar(&f.env, "env", config.GetEnv(), "config environment (config/<env>.yaml)")
	flag.StringVar(&f.csvPath, "csv", "", "corpus CSV (default: corpus.csv_path from config)")
	flag.StringVar(&f.out, "out", "", "snapshot file (default: index.snapshot from config)")
	flag.BoolVar(&f.verbose, "v", false, "log every engine operation")
	flag.BoolVar(&f.showVer, "version", false, "print version and exit")
	flag.Parse()
	return f
}

func run(ctx context.Context, f flags) error {
	start := time.Now()

	cfg, err := config.Load(f.env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	csvPath := cfg.Corpus.CSVPath
	if f.csvPath != "" {
		csvPath = f.csvPath
	}
	if csvPath == "" {
		return fmt.Errorf("no corpus CSV: set corpus.csv_path or pass -csv")
	}

	opts, err := engineOptions(cfg, f)
	if err != nil {
		return err
	}
	eng, err := engine.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	cases, err := readCorpus(csvPath)
	if err != nil {
		return err
	}
	log.Printf("read %d cases from %s", len(cases), csvPath)

	batch := cfg.Corpus.MaxIngestBatch
	for lo := 0; lo < len(cases); lo += batch {
		hi := min(lo+batch, len(cases))
		res, err := eng.Ingest(ctx, cases[lo:hi])
		if err != nil {
			return fmt.Errorf("ingest cases %d-%d: %w", lo, hi-1, err)
		}
		log.Printf("indexed %d/%d (index size %d)", hi, len(cases), res.IndexSize)
	}

	info, err := eng.Save(ctx)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	st := eng.Status()
	log.Printf("wrote snapshot %s: %d entries, %d bytes, dim %d, metric %s, generation %d in %s",
		info.Location, info.Entries, info.Bytes, st.Dimension, st.Metric, info.Generation,
		time.Since(start).Round(time.Millisecond))
	return nil
}

func engineOptions(cfg config.Config, f flags) ([]engine.Option, error) {
	opts := []engine.Option{
		engine.WithDimension(cfg.Embedding.Dimensions),
		engine.WithMetric(cfg.Index.Metric),
		engine.WithEmbeddingTimeout(time.Duration(cfg.Embedding.TimeoutSec) * time.Second),
		engine.WithMaxIngestBatch(cfg.Corpus.MaxIngestBatch),
	}
	if f.verbose {
		opts = append(opts, engine.WithLogger(slog.New(slog.NewTextHandler(os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelDebug}))))
	}
	if cfg.Embedding.Provider == config.ProviderOpenAI {
		opts = append(opts, engine.WithOpenAI(engine.OpenAIConfig{
			APIKey:              cfg.Embedding.APIKey,
			BaseURL:             cfg.Embedding.BaseURL,
			Model:               cfg.Embedding.Model,
			DocumentInstruction: cfg.Embedding.DocumentInstruction,
			QueryInstruction:    cfg.Embedding.QueryInstruction,
		}))
	}
	if cfg.Database.Enabled() {
		opts = append(opts, engine.WithValkey(cfg.Database.Addrs, cfg.Database.Password, cfg.Embedding.Cache))
	}

	switch {
	case f.out != "":
		opts = append(opts, engine.WithSnapshotFile(f.out))
	case cfg.Index.Snapshot.Backend == config.SnapshotValkey:
		opts = append(opts, engine.WithValkeySnapshot(cfg.Index.Snapshot.Name))
	case cfg.Index.Snapshot.Backend == config.SnapshotFile:
		opts = append(opts, engine.WithSnapshotFile(cfg.Index.Snapshot.Path))
	default:
		return nil, fmt.Errorf("snapshot backend is %q: pass -out to write a file", cfg.Index.Snapshot.Backend)
	}
	return opts, nil
}

func readCorpus(path string) ([]engine.Case, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer func() { _ = file.Close() }()

	records, err := corpus.ReadCSV(file)
	if err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return casesFromRecords(records), nil
}

func casesFromRecords(records []casefile.Record) []engine.Case {
	out := make([]engine.Case, len(records))
	for i, r := range records {
		out[i] = engine.Case{
			ID:         r.ID(),
			ReportText: r.ReportText(),
			Tags:       r.Tags(),
			Metadata:   r.Metadata(),
		}
	}
	return out
}
