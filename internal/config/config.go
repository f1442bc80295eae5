// Package config defines the typed configuration record the engine and its
// components are constructed from, and loads it from a YAML file.
package config

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig selects and configures the Chunk Store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default, embedded) or "postgres" (alternate).
	Driver           string `yaml:"driver"`
	ConnectionString string `yaml:"connection_string"`
}

// LMConfig configures the language-model client.
type LMConfig struct {
	Backend     string  `yaml:"backend"` // "anthropic" | "openai"
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	MaxRetries  int     `yaml:"max_retries"`
	TimeoutSec  int     `yaml:"timeout_seconds"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Host       string `yaml:"host"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// VectorIndexConfig configures the vector index backend.
type VectorIndexConfig struct {
	// Backend is "hnsw" (default, embedded), "qdrant", or "pgvector"
	// (both alternate, remote).
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"` // hnsw snapshot path
	QdrantDSN   string `yaml:"qdrant_dsn"`
	PostgresDSN string `yaml:"postgres_dsn"` // pgvector connection string
	Collection  string `yaml:"collection"`
	Metric      string `yaml:"metric"` // "l2" default per spec
	TopKSpeed   int    `yaml:"top_k_speed"`
	TopKDeep    int    `yaml:"top_k_deep"`
}

// GraphConfig configures the knowledge graph.
type GraphConfig struct {
	MaxHops  int `yaml:"max_hops"`
	MaxPaths int `yaml:"max_paths"` // P in spec, default 32
}

// ModeSelectorConfig configures the speed/deep classifier.
type ModeSelectorConfig struct {
	Threshold float64 `yaml:"threshold"` // T in spec, default 0.5
}

// RedisConfig configures the query-answer cache.
type RedisConfig struct {
	Addr   string `yaml:"addr"` // empty disables caching
	TTLSec int    `yaml:"ttl_seconds"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Config is the top-level application configuration.
type Config struct {
	DataPath    string             `yaml:"data_path"`
	LogLevel    string             `yaml:"log_level"`
	Database    DatabaseConfig     `yaml:"database"`
	LM          LMConfig           `yaml:"lm"`
	Embeddings  EmbeddingsConfig   `yaml:"embeddings"`
	VectorIndex VectorIndexConfig  `yaml:"vector_index"`
	Graph       GraphConfig        `yaml:"graph"`
	ModeSelect  ModeSelectorConfig `yaml:"mode_selector"`
	Redis       RedisConfig        `yaml:"redis"`
	API         APIConfig          `yaml:"api"`
}

// Defaults returns a Config with the spec's documented defaults applied.
func Defaults() Config {
	return Config{
		DataPath: "./data",
		LogLevel: "info",
		Database: DatabaseConfig{Driver: "sqlite", ConnectionString: "./data/chunkstore.db"},
		LM: LMConfig{
			Backend:     "anthropic",
			Temperature: 0.3,
			MaxTokens:   1024,
			MaxRetries:  3,
			TimeoutSec:  30,
		},
		Embeddings: EmbeddingsConfig{Dimensions: 768},
		VectorIndex: VectorIndexConfig{
			Backend:   "hnsw",
			Path:      "./data/indexes/vector/hnsw.idx",
			Metric:    "l2",
			TopKSpeed: 5,
			TopKDeep:  5,
		},
		Graph:      GraphConfig{MaxHops: 2, MaxPaths: 32},
		ModeSelect: ModeSelectorConfig{Threshold: 0.5},
		API:        APIConfig{Host: "0.0.0.0", Port: 8080},
	}
}

// Load reads the configuration from a YAML file, merging over the
// documented defaults, and reports success/failure via a pterm banner the
// way the pack's own config loader does.
func Load(filename string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(filename)
	if err != nil {
		pterm.Error.Printf("failed to read config file %q: %v\n", filename, err)
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		pterm.Error.Printf("failed to unmarshal config: %v\n", err)
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	pterm.Success.Println("configuration loaded successfully")
	return &cfg, nil
}

// applyEnvOverrides lets secrets (API keys) be supplied out-of-band instead
// of sitting in a config file on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HYBRIDRAG_LM_API_KEY"); v != "" {
		cfg.LM.APIKey = v
	}
	if v := os.Getenv("HYBRIDRAG_EMBEDDINGS_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
}
