package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kailas-cloud/cxrag/internal/config"
	"github.com/kailas-cloud/cxrag/pkg/engine"
)

const testCSV = `id,report,tags,view
c1,Right lower lobe consolidation consistent with pneumonia.,pneumonia,PA
c2,Small left pleural effusion.,,AP
c3,Clear lungs. No acute cardiopulmonary abnormality.,normal,PA
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReadCorpus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.csv")
	writeFile(t, path, testCSV)

	cases, err := readCorpus(path)
	if err != nil {
		t.Fatalf("readCorpus: %v", err)
	}
	if len(cases) != 3 {
		t.Fatalf("expected 3 cases, got %d", len(cases))
	}
	if cases[1].ID != "c2" || len(cases[1].Tags) == 0 {
		t.Errorf("expected extracted tags for c2, got %+v", cases[1])
	}
	if cases[0].Metadata["view"] != "PA" {
		t.Errorf("expected view metadata, got %v", cases[0].Metadata)
	}
}

func TestEngineOptions_SnapshotTarget(t *testing.T) {
	cfg := config.Config{}
	cfg.ApplyDefaults()

	if _, err := engineOptions(cfg, flags{out: "x.cxix"}); err != nil {
		t.Errorf("explicit -out must be accepted: %v", err)
	}

	cfg.Index.Snapshot.Backend = config.SnapshotNone
	if _, err := engineOptions(cfg, flags{}); err == nil {
		t.Error("expected error without any snapshot target")
	}
}

func TestRun_WritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, filepath.Join(dir, "config", "unit.yaml"), `
http:
  port: 8080
embedding:
  provider: lexical
  dimensions: 64
index:
  snapshot:
    backend: none
`)
	csvPath := filepath.Join(dir, "cases.csv")
	writeFile(t, csvPath, testCSV)
	out := filepath.Join(dir, "out", "index.cxix")

	if err := run(context.Background(), flags{env: "unit", csvPath: csvPath, out: out}); err != nil {
		t.Fatalf("run: %v", err)
	}

	eng, err := engine.New(context.Background(), engine.WithDimension(64), engine.WithSnapshotFile(out))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer eng.Close()
	cases, err := readCorpus(csvPath)
	if err != nil {
		t.Fatalf("readCorpus: %v", err)
	}
	if _, err := eng.Ingest(context.Background(), cases); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	info, err := eng.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if info.Entries != 3 {
		t.Errorf("expected 3 entries in snapshot, got %d", info.Entries)
	}
}
