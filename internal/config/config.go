package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/cxrag/internal/domain"
)

// Config holds the cxrag configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Corpus    CorpusConfig    `yaml:"corpus"`
	Report    ReportConfig    `yaml:"report"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int   `yaml:"port"`
	ReadTimeoutSec  int   `yaml:"read_timeout_sec"`
	WriteTimeoutSec int   `yaml:"write_timeout_sec"`
	ShutdownSec     int   `yaml:"shutdown_timeout_sec"`
	MaxBodyBytes    int64 `yaml:"max_body_bytes"`
}

// DatabaseConfig holds the optional Valkey connection. No addrs disables the
// embedding cache and the valkey snapshot backend.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// Enabled reports whether a key-value store is configured.
func (d DatabaseConfig) Enabled() bool { return len(d.Addrs) > 0 }

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider            string `yaml:"provider"` // lexical (default), openai
	APIKey              string `yaml:"api_key"`
	BaseURL             string `yaml:"base_url"`
	Model               string `yaml:"model"`
	Dimensions          int    `yaml:"dimensions"`
	DocumentInstruction string `yaml:"document_instruction"`
	QueryInstruction    string `yaml:"query_instruction"`
	TimeoutSec          int    `yaml:"timeout_sec"`
	MaxBatchSize        int    `yaml:"max_batch_size"`
	Parallelism         int    `yaml:"parallelism"`
	Cache               bool   `yaml:"cache"`
}

// IndexConfig holds vector index and snapshot settings.
type IndexConfig struct {
	Metric        string         `yaml:"metric"` // cosine (default), euclidean
	ForceRebuild  bool           `yaml:"force_rebuild"`
	SaveOnRebuild bool           `yaml:"save_on_rebuild"`
	Snapshot      SnapshotConfig `yaml:"snapshot"`
}

// SnapshotConfig selects where index snapshots live.
type SnapshotConfig struct {
	Backend string `yaml:"backend"` // file (default), valkey, none
	Path    string `yaml:"path"`
	Name    string `yaml:"name"`
}

// CorpusConfig holds corpus loading settings.
type CorpusConfig struct {
	CSVPath        string `yaml:"csv_path"`
	MaxIngestBatch int    `yaml:"max_ingest_batch"`
}

// ReportConfig holds report pipeline settings.
type ReportConfig struct {
	DefaultK        int     `yaml:"default_k"`
	MaxK            int     `yaml:"max_k"`
	MinConfidence   float64 `yaml:"min_confidence"` // 0 keeps every finding
	MaxFindings     int     `yaml:"max_findings"`
	ExcerptRunes    int     `yaml:"excerpt_runes"`
	SearchTimeoutMs int     `yaml:"search_timeout_ms"`
	RetryBackoffMs  int     `yaml:"retry_backoff_ms"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 8 << 20
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = ProviderLexical
	}
	defaults := domain.DefaultVectorConfig()
	if c.Embedding.Provider == ProviderLexical && c.Embedding.Model == "" {
		c.Embedding.Model = defaults.Model
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = defaults.Dimensions
	}
	if c.Embedding.TimeoutSec <= 0 {
		c.Embedding.TimeoutSec = 30
	}
	if c.Embedding.MaxBatchSize <= 0 {
		c.Embedding.MaxBatchSize = 256
	}
	if c.Embedding.Parallelism <= 0 {
		c.Embedding.Parallelism = 4
	}
	if c.Index.Metric == "" {
		c.Index.Metric = defaults.DistanceMetric
	}
	if c.Index.Snapshot.Backend == "" {
		c.Index.Snapshot.Backend = SnapshotFile
	}
	if c.Index.Snapshot.Path == "" {
		c.Index.Snapshot.Path = "data/index.cxix"
	}
	if c.Index.Snapshot.Name == "" {
		c.Index.Snapshot.Name = "default"
	}
	if c.Corpus.MaxIngestBatch <= 0 {
		c.Corpus.MaxIngestBatch = 1000
	}
	if c.Report.DefaultK <= 0 {
		c.Report.DefaultK = 5
	}
	if c.Report.MaxK <= 0 {
		c.Report.MaxK = 100
	}
	if c.Report.ExcerptRunes <= 0 {
		c.Report.ExcerptRunes = 400
	}
	if c.Report.SearchTimeoutMs <= 0 {
		c.Report.SearchTimeoutMs = 2000
	}
	if c.Report.RetryBackoffMs <= 0 {
		c.Report.RetryBackoffMs = 100
	}
}

// Embedding providers and snapshot backends.
const (
	ProviderLexical = "lexical"
	ProviderOpenAI  = "openai"

	SnapshotFile   = "file"
	SnapshotValkey = "valkey"
	SnapshotNone   = "none"
)

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Embedding.Provider {
	case ProviderLexical:
	case ProviderOpenAI:
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key is required for provider %q", ProviderOpenAI)
		}
		if c.Embedding.Model == "" {
			return fmt.Errorf("embedding.model is required for provider %q", ProviderOpenAI)
		}
	default:
		return fmt.Errorf("embedding.provider must be %q or %q, got %q", ProviderLexical, ProviderOpenAI, c.Embedding.Provider)
	}
	if c.Embedding.Cache && !c.Database.Enabled() {
		return fmt.Errorf("embedding.cache requires database.addrs")
	}
	switch c.Index.Metric {
	case "cosine", "euclidean":
	default:
		return fmt.Errorf("index.metric must be \"cosine\" or \"euclidean\", got %q", c.Index.Metric)
	}
	switch c.Index.Snapshot.Backend {
	case SnapshotFile, SnapshotNone:
	case SnapshotValkey:
		if !c.Database.Enabled() {
			return fmt.Errorf("index.snapshot.backend %q requires database.addrs", SnapshotValkey)
		}
	default:
		return fmt.Errorf("index.snapshot.backend must be file, valkey or none, got %q", c.Index.Snapshot.Backend)
	}
	if c.Report.MinConfidence < 0 || c.Report.MinConfidence > 1 {
		return fmt.Errorf("report.min_confidence must be in [0,1], got %v", c.Report.MinConfidence)
	}
	if c.Report.DefaultK > c.Report.MaxK {
		return fmt.Errorf("report.default_k (%d) exceeds report.max_k (%d)", c.Report.DefaultK, c.Report.MaxK)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
