// Package config loads the engine's configuration from YAML with
// environment-variable overrides for secrets, mirroring the options table
// in spec §6.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// RankingWeights overrides the combined-score weights used by the
// Semantic Store's retrieval ranking (spec §4.4.3).
type RankingWeights struct {
	Similarity float64 `yaml:"similarity"`
	Metadata   float64 `yaml:"metadata"`
	Recency    float64 `yaml:"recency"`
}

// DefaultRankingWeights matches the fixed formula in spec §4.4.3.
func DefaultRankingWeights() RankingWeights {
	return RankingWeights{Similarity: 0.7, Metadata: 0.2, Recency: 0.1}
}

// EmbeddingProvider selects which Embedding Generator adapter to construct.
type EmbeddingProvider string

const (
	EmbeddingProviderOpenRouter  EmbeddingProvider = "openrouter"
	EmbeddingProviderGoogle      EmbeddingProvider = "google"
	EmbeddingProviderDeterministic EmbeddingProvider = "deterministic"
)

// ExtractorProvider selects which optional LLM episode extractor to construct.
type ExtractorProvider string

const (
	ExtractorProviderNone       ExtractorProvider = "none"
	ExtractorProviderOpenRouter ExtractorProvider = "openrouter"
)

// Config is the full engine configuration, loaded from YAML.
type Config struct {
	DataRoot        string            `yaml:"data_root"`
	ChunkSize       int               `yaml:"chunk_size"`
	ChunkOverlap    int               `yaml:"chunk_overlap"`
	TopK            int               `yaml:"top_k"`
	MinSimilarity   float64           `yaml:"min_similarity"`
	IncludeRecency  bool              `yaml:"include_recency"`
	RankingWeights  RankingWeights    `yaml:"ranking_weights"`
	EmbeddingDim    int               `yaml:"embedding_dim"`
	EmbeddingModel  string            `yaml:"embedding_model"`
	EmbeddingProv   EmbeddingProvider `yaml:"embedding_provider"`
	EmbeddingConcurrency int64        `yaml:"embedding_concurrency"`
	ExtractorProv   ExtractorProvider `yaml:"extractor_provider"`
	ExtractorModel  string            `yaml:"extractor_model"`

	// Secrets, populated from environment, never read from YAML directly.
	OpenRouterAPIKey string `yaml:"-"`
	GoogleAPIKey     string `yaml:"-"`
}

// Default returns the configuration defaults named in spec §6.
func Default() Config {
	return Config{
		DataRoot:       "./data",
		ChunkSize:      500,
		ChunkOverlap:   50,
		TopK:           3,
		MinSimilarity:  0.0,
		IncludeRecency: true,
		RankingWeights: DefaultRankingWeights(),
		EmbeddingDim:   256,
		EmbeddingProv:  EmbeddingProviderDeterministic,
		EmbeddingConcurrency: 4,
		ExtractorProv:  ExtractorProviderNone,
	}
}

// Load reads a YAML config file over the defaults (keys absent from the
// file keep their default; keys present, even with a zero value, replace
// it), overlays secrets from the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: file %q not found: %w", path, err)
			}
			return cfg, fmt.Errorf("config: reading %q: %w", path, err)
		}
		overlay := Default()
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return cfg, fmt.Errorf("config: parsing %q: %w", path, err)
		}
		cfg = overlay
	}

	cfg.OpenRouterAPIKey = os.Getenv("MEMTIERS_OPENROUTER_API_KEY")
	cfg.GoogleAPIKey = os.Getenv("MEMTIERS_GOOGLE_API_KEY")

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the invariants spec §6 implies: ranking weights sum to
// 1.0 and the embedding dimension is positive.
func (c Config) Validate() error {
	sum := c.RankingWeights.Similarity + c.RankingWeights.Metadata + c.RankingWeights.Recency
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("config: ranking_weights must sum to 1.0, got %f", sum)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("config: embedding_dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("config: chunk_overlap must be in [0, chunk_size), got %d", c.ChunkOverlap)
	}
	return nil
}
