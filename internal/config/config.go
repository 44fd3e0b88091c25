// Package config loads the single JSON configuration document described
// in spec.md §6: database/vector paths, optional Redis and Neo4j
// backends, feature flags, performance tuning, and filesystem layout.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration document.
type Config struct {
	Database    DatabaseConfig    `json:"database"`
	Redis       RedisConfig       `json:"redis"`
	Neo4j       Neo4jConfig       `json:"neo4j"`
	Features    FeaturesConfig    `json:"features"`
	Performance PerformanceConfig `json:"performance"`
	Paths       PathsConfig       `json:"paths"`
	Logging     LoggingConfig     `json:"logging"`

	// configDir is the directory the config file was loaded from; relative
	// paths in the sections above resolve against it. Not serialized.
	configDir string
}

// DatabaseConfig configures the relational store and vector index.
type DatabaseConfig struct {
	DBPath            string `json:"db_path"`
	VectorIndexPath   string `json:"faiss_index_path"`
	EmbeddingModel    string `json:"embedding_model"`
	VectorDimension   int    `json:"vector_dimension"`
	MaxChunkSize      int    `json:"max_chunk_size"`
	ChunkOverlap      int    `json:"chunk_overlap"`
}

// RedisConfig configures the cache store backend.
type RedisConfig struct {
	Enabled           bool          `json:"enabled"`
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	Password          string        `json:"-"`
	DB                int           `json:"db"`
	ConnectionTimeout time.Duration `json:"connection_timeout"`
}

// Neo4jConfig configures the graph store backend.
type Neo4jConfig struct {
	Enabled           bool          `json:"enabled"`
	URI               string        `json:"uri"`
	User              string        `json:"user"`
	Password          string        `json:"-"`
	Database          string        `json:"database"`
	ConnectionTimeout time.Duration `json:"connection_timeout"`
}

// FeaturesConfig toggles optional subsystems.
type FeaturesConfig struct {
	CacheEnabled        bool `json:"cache_enabled"`
	BufferEnabled        bool `json:"buffer_enabled"`
	SessionStateEnabled bool `json:"session_state_enabled"`
}

// PerformanceConfig tunes connection pooling, timeouts, and batching.
type PerformanceConfig struct {
	ConnectionPoolSize   int           `json:"connection_pool_size"`
	QueryTimeout         time.Duration `json:"query_timeout"`
	BulkInsertBatchSize  int           `json:"bulk_insert_batch_size"`
	CacheTTLSeconds      int           `json:"cache_ttl_seconds"`
	VectorFlushInterval  time.Duration `json:"vector_flush_interval"`
}

// PathsConfig controls where the service keeps its working files.
type PathsConfig struct {
	DataDir   string `json:"data_dir"`
	TempDir   string `json:"temp_dir"`
	BackupDir string `json:"backup_dir"`
}

// LoggingConfig configures the ambient zap logger (not part of spec.md's
// core backends, but required by every component for observability).
type LoggingConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

const configFileName = "ltmc.config.json"

// Default returns the documented defaults for every section.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DBPath:          "ltmc.db",
			VectorIndexPath: "ltmc.vectors",
			EmbeddingModel:  "test-mode",
			VectorDimension: 384,
			MaxChunkSize:    1000,
			ChunkOverlap:    200,
		},
		Redis: RedisConfig{
			Enabled:           false,
			Host:              "localhost",
			Port:              6379,
			DB:                0,
			ConnectionTimeout: 5 * time.Second,
		},
		Neo4j: Neo4jConfig{
			Enabled:           false,
			URI:               "bolt://localhost:7687",
			User:              "neo4j",
			Database:          "neo4j",
			ConnectionTimeout: 5 * time.Second,
		},
		Features: FeaturesConfig{
			CacheEnabled:        true,
			BufferEnabled:       true,
			SessionStateEnabled: true,
		},
		Performance: PerformanceConfig{
			ConnectionPoolSize:  10,
			QueryTimeout:        30 * time.Second,
			BulkInsertBatchSize: 100,
			CacheTTLSeconds:     3600,
			VectorFlushInterval: 30 * time.Second,
		},
		Paths: PathsConfig{
			DataDir:   "./data",
			TempDir:   "./tmp",
			BackupDir: "./backup",
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load searches, in order, the current working directory, the
// installation directory (the directory of the running executable),
// $HOME, and /etc/ltmc for ltmc.config.json, and merges the first one
// found onto Default(). A missing config file anywhere on the search
// path is not an error: Default() alone is returned.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional .env for secrets (redis/neo4j passwords); absence is fine

	cfg := Default()

	path, err := find()
	if err != nil {
		return nil, err
	}
	if path == "" {
		resolveRelativePaths(cfg, ".")
		applyEnvSecrets(cfg)
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.configDir = filepath.Dir(path)
	resolveRelativePaths(cfg, cfg.configDir)
	applyEnvSecrets(cfg)
	return cfg, nil
}

func find() (string, error) {
	candidates := []string{}

	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, configFileName))
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), configFileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, configFileName))
	}
	candidates = append(candidates, filepath.Join("/etc/ltmc", configFileName))

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

func resolveRelativePaths(cfg *Config, base string) {
	cfg.Database.DBPath = resolve(base, cfg.Database.DBPath)
	cfg.Database.VectorIndexPath = resolve(base, cfg.Database.VectorIndexPath)
	cfg.Paths.DataDir = resolve(base, cfg.Paths.DataDir)
	cfg.Paths.TempDir = resolve(base, cfg.Paths.TempDir)
	cfg.Paths.BackupDir = resolve(base, cfg.Paths.BackupDir)
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// applyEnvSecrets pulls credentials out of the environment rather than
// the JSON document, following the teacher's convention of never
// serializing secrets in config structs.
func applyEnvSecrets(cfg *Config) {
	if v := os.Getenv("LTMC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LTMC_NEO4J_PASSWORD"); v != "" {
		cfg.Neo4j.Password = v
	}
}
