package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	cfg := Config{HTTP: HTTPConfig{Port: 8080}}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.HTTP.Port = 0 },
			wantErr: "http.port must be between 1 and 65535, got 0",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Embedding.Provider = "ollama" },
			wantErr: `embedding.provider must be "lexical" or "openai", got "ollama"`,
		},
		{
			name: "openai without key",
			mutate: func(c *Config) {
				c.Embedding.Provider = ProviderOpenAI
				c.Embedding.Model = "text-embedding-3-small"
			},
			wantErr: `embedding.api_key is required for provider "openai"`,
		},
		{
			name:    "cache without database",
			mutate:  func(c *Config) { c.Embedding.Cache = true },
			wantErr: "embedding.cache requires database.addrs",
		},
		{
			name:    "unknown metric",
			mutate:  func(c *Config) { c.Index.Metric = "manhattan" },
			wantErr: `index.metric must be "cosine" or "euclidean", got "manhattan"`,
		},
		{
			name:    "valkey snapshots without database",
			mutate:  func(c *Config) { c.Index.Snapshot.Backend = SnapshotValkey },
			wantErr: `index.snapshot.backend "valkey" requires database.addrs`,
		},
		{
			name:    "min confidence out of range",
			mutate:  func(c *Config) { c.Report.MinConfidence = 1.5 },
			wantErr: "report.min_confidence must be in [0,1], got 1.5",
		},
		{
			name:    "default k above max",
			mutate:  func(c *Config) { c.Report.DefaultK = 10; c.Report.MaxK = 5 },
			wantErr: "report.default_k (10) exceeds report.max_k (5)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_ValkeyBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Addrs = []string{"localhost:6379"}
	cfg.Embedding.Cache = true
	cfg.Index.Snapshot.Backend = SnapshotValkey
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 || cfg.HTTP.WriteTimeoutSec != 30 || cfg.HTTP.ShutdownSec != 10 {
		t.Errorf("unexpected http defaults %+v", cfg.HTTP)
	}
	if cfg.Embedding.Provider != ProviderLexical || cfg.Embedding.Model != "lexical-hash-v1" || cfg.Embedding.Dimensions != 384 {
		t.Errorf("unexpected embedding defaults %+v", cfg.Embedding)
	}
	if cfg.Index.Metric != "cosine" || cfg.Index.Snapshot.Backend != SnapshotFile || cfg.Index.Snapshot.Path != "data/index.cxix" {
		t.Errorf("unexpected index defaults %+v", cfg.Index)
	}
	if cfg.Report.DefaultK != 5 || cfg.Report.MaxK != 100 || cfg.Report.ExcerptRunes != 400 {
		t.Errorf("unexpected report defaults %+v", cfg.Report)
	}
	if cfg.Report.SearchTimeoutMs != 2000 || cfg.Report.RetryBackoffMs != 100 {
		t.Errorf("unexpected report timing defaults %+v", cfg.Report)
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		HTTP:      HTTPConfig{ReadTimeoutSec: 30, WriteTimeoutSec: 60, ShutdownSec: 5},
		Embedding: EmbeddingConfig{Provider: ProviderOpenAI, Model: "bge-m3", Dimensions: 1024},
		Index:     IndexConfig{Metric: "euclidean", Snapshot: SnapshotConfig{Backend: SnapshotNone}},
		Report:    ReportConfig{DefaultK: 8, MaxK: 20},
	}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 30 || cfg.HTTP.WriteTimeoutSec != 60 {
		t.Errorf("http overridden: %+v", cfg.HTTP)
	}
	if cfg.Embedding.Model != "bge-m3" || cfg.Embedding.Dimensions != 1024 {
		t.Errorf("embedding overridden: %+v", cfg.Embedding)
	}
	if cfg.Index.Metric != "euclidean" || cfg.Index.Snapshot.Backend != SnapshotNone {
		t.Errorf("index overridden: %+v", cfg.Index)
	}
	if cfg.Report.DefaultK != 8 || cfg.Report.MaxK != 20 {
		t.Errorf("report overridden: %+v", cfg.Report)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CXRAG_TEST_KEY", "secret")
	t.Setenv("CXRAG_TEST_EMPTY", "")

	got := string(expandEnvVars([]byte("a: ${CXRAG_TEST_KEY}\nb: ${CXRAG_TEST_EMPTY:-fallback}\nc: ${CXRAG_TEST_UNSET}")))
	want := "a: secret\nb: fallback\nc: "
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yml := `
http:
  port: ${CXRAG_TEST_PORT:-9090}
embedding:
  provider: lexical
  dimensions: 128
index:
  metric: euclidean
  snapshot:
    backend: none
report:
  min_confidence: 0.4
`
	if err := os.WriteFile(filepath.Join(dir, "config", "unit.yaml"), []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := Load("unit")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 9090 || cfg.Embedding.Dimensions != 128 || cfg.Index.Metric != "euclidean" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Report.MinConfidence != 0.4 || cfg.Report.DefaultK != 5 {
		t.Errorf("unexpected report config %+v", cfg.Report)
	}
}
