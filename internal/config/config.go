// Package config loads the memory engine's recognized configuration keys.
//
// Values are decoded from YAML with gopkg.in/yaml.v3 (already an indirect
// dependency of the teacher module, promoted here to direct since this
// package imports it explicitly). Parsing failures and out-of-range values
// surface as errs.ConfigError; keys the file omits keep their Default()
// values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kittclouds/memengine/internal/errs"
)

// Database holds the persistence backend settings (spec.md §6).
type Database struct {
	Type         string `yaml:"type"`
	URL          string `yaml:"url"`
	TablePrefix  string `yaml:"table_prefix"`
	DatabaseName string `yaml:"database_name"`
}

// Vector holds embedding/vector-index settings.
type Vector struct {
	Dimension          int     `yaml:"dimension"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	AutoLinkK          int     `yaml:"auto_link_k"`
}

// Retrieval holds HippoRAG/retriever settings.
type Retrieval struct {
	MaxResults    int     `yaml:"max_results"`
	Damping       float64 `yaml:"damping"`
	PPRMaxIter    int     `yaml:"ppr_max_iter"`
	FusionDefault string  `yaml:"fusion_default"`
	SeedCount     int     `yaml:"seed_count"`
	ExpansionQuantile float64 `yaml:"expansion_quantile"`
}

// Learning holds the feedback-driven learning loop settings.
type Learning struct {
	LearningRate float64       `yaml:"learning_rate"`
	DecayRate    float64       `yaml:"decay_rate"`
	HalfLife     time.Duration `yaml:"half_life"`
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	BatchSize    int           `yaml:"batch_size"`
	MaxPendingFeedback int     `yaml:"max_pending_feedback"`
}

// Cache holds the write-through LRU cache capacities.
type Cache struct {
	VectorCap int `yaml:"vector_cap"`
	NodeCap   int `yaml:"node_cap"`
	EdgeCap   int `yaml:"edge_cap"`
}

// Config is the full recognized configuration surface from spec.md §6.
type Config struct {
	Database  Database  `yaml:"database"`
	Vector    Vector    `yaml:"vector"`
	Retrieval Retrieval `yaml:"retrieval"`
	Learning  Learning  `yaml:"learning"`
	Cache     Cache     `yaml:"cache"`
}

// Default returns the engine's default configuration, mirroring the
// defaults sketched in original_source/src/lib.rs's Config::default doc
// example (in-memory SQLite, 256-dim embeddings, damping 0.85).
func Default() *Config {
	return &Config{
		Database: Database{
			Type:         "sqlite",
			URL:          "sqlite::memory:",
			TablePrefix:  "mem_",
			DatabaseName: "memory",
		},
		Vector: Vector{
			Dimension:           256,
			SimilarityThreshold: 0.7,
			AutoLinkK:           5,
		},
		Retrieval: Retrieval{
			MaxResults:        50,
			Damping:           0.85,
			PPRMaxIter:        50,
			FusionDefault:     "LinearWeighted",
			SeedCount:         32,
			ExpansionQuantile: 0.9,
		},
		Learning: Learning{
			LearningRate:       0.1,
			DecayRate:          0.01,
			HalfLife:           30 * 24 * time.Hour,
			InactivityWindow:   14 * 24 * time.Hour,
			BatchSize:          200,
			MaxPendingFeedback: 10000,
		},
		Cache: Cache{
			VectorCap: 4096,
			NodeCap:   4096,
			EdgeCap:   8192,
		},
	}
}

// Load reads and decodes a YAML configuration file, filling in defaults for
// any key the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.ConfigError, "config.Load", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.New(errs.ConfigError, "config.Load", fmt.Errorf("decode %s: %w", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the recognized keys for sane ranges.
func (c *Config) Validate() error {
	if c.Vector.Dimension <= 0 {
		return errs.New(errs.ConfigError, "Config.Validate", fmt.Errorf("vector.dimension must be > 0, got %d", c.Vector.Dimension))
	}
	if c.Retrieval.Damping <= 0 || c.Retrieval.Damping >= 1 {
		return errs.New(errs.ConfigError, "Config.Validate", fmt.Errorf("retrieval.damping must be in (0,1), got %f", c.Retrieval.Damping))
	}
	if c.Learning.LearningRate < 0 {
		return errs.New(errs.ConfigError, "Config.Validate", fmt.Errorf("learning.learning_rate must be >= 0"))
	}
	return nil
}
