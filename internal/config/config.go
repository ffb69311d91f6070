// Package config loads packforge configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all packforge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Sessions SessionsConfig `yaml:"sessions"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the transport bindings.
type ServerConfig struct {
	// Listen address for the streaming (SSE) binding.
	Addr string `yaml:"addr"`
	// API key presented by the stdio binding's single caller.
	StdioAPIKey string `yaml:"stdio_api_key"`
	// Allowed CORS origins for the streaming binding.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig configures durable state.
type StorageConfig struct {
	// SQLite database holding jobs, packs, credits, and API keys.
	DatabasePath string `yaml:"database_path"`
	// Root directory for opaque artifacts (exports, chunks, packs).
	ArtifactDir string `yaml:"artifact_dir"`
	// Base directory for logs.
	DataDir string `yaml:"data_dir"`
}

// PipelineConfig tunes the stage workers and credit gating.
type PipelineConfig struct {
	CostPerChunk       int    `yaml:"cost_per_chunk"`
	ChunkTargetTokens  int    `yaml:"chunk_target_tokens"`
	ChunkOverlapTokens int    `yaml:"chunk_overlap_tokens"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryBackoff       string `yaml:"retry_backoff"`
	MaxConcurrentJobs  int    `yaml:"max_concurrent_jobs"`
}

// AnalysisConfig configures the paid analysis stage worker.
type AnalysisConfig struct {
	Provider string `yaml:"provider"` // genai, heuristic
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// SessionsConfig configures protocol session lifetimes.
type SessionsConfig struct {
	TTL          string `yaml:"ttl"`
	ReapInterval string `yaml:"reap_interval"`
	// Outbound buffer per streaming session; responses beyond this while
	// the stream is stalled are dropped.
	OutboundBuffer int `yaml:"outbound_buffer"`
}

// IngestConfig configures the drop-directory watcher.
type IngestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// User that owns jobs started from the drop directory.
	UserID string `yaml:"user_id"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "packforge",
		Version: "0.3.0",

		Server: ServerConfig{
			Addr:           ":8741",
			AllowedOrigins: []string{"http://localhost:3000"},
		},

		Storage: StorageConfig{
			DatabasePath: "data/packforge.db",
			ArtifactDir:  "data/artifacts",
			DataDir:      "data",
		},

		Pipeline: PipelineConfig{
			CostPerChunk:       1,
			ChunkTargetTokens:  1200,
			ChunkOverlapTokens: 80,
			MaxRetries:         3,
			RetryBackoff:       "500ms",
			MaxConcurrentJobs:  4,
		},

		Analysis: AnalysisConfig{
			Provider: "heuristic",
			Model:    "gemini-2.0-flash",
			Timeout:  "60s",
		},

		Sessions: SessionsConfig{
			TTL:            "15m",
			ReapInterval:   "1m",
			OutboundBuffer: 64,
		},

		Ingest: IngestConfig{
			Enabled: false,
			Dir:     "data/inbox",
			UserID:  "local",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; env overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Analysis.APIKey = key
		if c.Analysis.Provider == "" || c.Analysis.Provider == "heuristic" {
			c.Analysis.Provider = "genai"
		}
	}
	if addr := os.Getenv("PACKFORGE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("PACKFORGE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if dir := os.Getenv("PACKFORGE_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if key := os.Getenv("PACKFORGE_API_KEY"); key != "" {
		c.Server.StdioAPIKey = key
	}
}

// GetRetryBackoff returns the stage-worker retry backoff as a duration.
func (pc PipelineConfig) GetRetryBackoff() time.Duration {
	d, err := time.ParseDuration(pc.RetryBackoff)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetAnalysisTimeout returns the per-chunk analysis timeout.
func (c *Config) GetAnalysisTimeout() time.Duration {
	d, err := time.ParseDuration(c.Analysis.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetSessionTTL returns the session idle timeout.
func (c *Config) GetSessionTTL() time.Duration {
	d, err := time.ParseDuration(c.Sessions.TTL)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// GetReapInterval returns how often expired sessions are collected.
func (c *Config) GetReapInterval() time.Duration {
	d, err := time.ParseDuration(c.Sessions.ReapInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// ValidProviders lists the supported analysis providers.
var ValidProviders = []string{"genai", "heuristic"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.Analysis.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid analysis provider: %s (valid: %v)", c.Analysis.Provider, ValidProviders)
	}
	if c.Analysis.Provider == "genai" && c.Analysis.APIKey == "" {
		return fmt.Errorf("analysis API key not configured (set GEMINI_API_KEY)")
	}
	if c.Pipeline.CostPerChunk < 0 {
		return fmt.Errorf("cost_per_chunk must be non-negative")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.Ingest.Enabled && c.Ingest.UserID == "" {
		return fmt.Errorf("ingest.user_id required when ingest is enabled")
	}
	return nil
}
