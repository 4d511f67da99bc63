// Package config provides configuration loading for circuitd.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level circuitd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Knowledge  KnowledgeConfig  `koanf:"knowledge"`
	Artifacts  ArtifactsConfig  `koanf:"artifacts"`
	LLM        LLMConfig        `koanf:"llm"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Toolchain  ToolchainConfig  `koanf:"toolchain"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// PipelineConfig bounds the retry-bearing state transitions of one task.
// The budgets change thresholds only, never the shape of the state graph.
type PipelineConfig struct {
	MaxReviseAttempts   int      `koanf:"max_revise_attempts"`
	MaxCompileAttempts  int      `koanf:"max_compile_attempts"`
	MaxSimulateAttempts int      `koanf:"max_simulate_attempts"`
	AdapterTimeout      Duration `koanf:"adapter_timeout"`
}

// KnowledgeConfig holds knowledge store settings.
type KnowledgeConfig struct {
	// LogPath is the append-only findings log (JSONL).
	LogPath string `koanf:"log_path"`

	// SeedPath is an optional component-datasheet corpus (JSONL) loaded
	// into the index at startup.
	SeedPath string `koanf:"seed_path"`

	// IndexPath optionally persists the vector index to this directory.
	// Empty keeps the index in memory; it is rebuilt from the log on
	// start either way.
	IndexPath string `koanf:"index_path"`

	// ReindexEvery rebuilds the index after this many new entries.
	ReindexEvery int `koanf:"reindex_every"`

	// ReindexInterval rebuilds the index after this much time has passed
	// with at least one new entry, even if ReindexEvery was not reached.
	ReindexInterval Duration `koanf:"reindex_interval"`

	// RetrievalLimit is the number of entries surfaced per review.
	RetrievalLimit int `koanf:"retrieval_limit"`
}

// ArtifactsConfig holds artifact storage settings.
type ArtifactsConfig struct {
	Dir string `koanf:"dir"`
}

// LLMConfig configures the completion service used by the generator,
// reviewer, and reviser adapters.
type LLMConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// EmbeddingsConfig selects the local embedding provider for the
// knowledge index.
type EmbeddingsConfig struct {
	// Provider is "fastembed" or "hash"; empty picks fastembed when the
	// binary supports it and hash otherwise.
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	CacheDir string `koanf:"cache_dir"`
}

// ToolchainConfig locates the external compiler and simulator binaries.
type ToolchainConfig struct {
	CompilerPath  string `koanf:"compiler_path"`
	SimulatorPath string `koanf:"simulator_path"`
	WorkDir       string `koanf:"work_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DefaultConfig returns a configuration with production defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9210
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Pipeline.MaxReviseAttempts == 0 {
		cfg.Pipeline.MaxReviseAttempts = 3
	}
	if cfg.Pipeline.MaxCompileAttempts == 0 {
		cfg.Pipeline.MaxCompileAttempts = 3
	}
	if cfg.Pipeline.MaxSimulateAttempts == 0 {
		cfg.Pipeline.MaxSimulateAttempts = 2
	}
	if cfg.Pipeline.AdapterTimeout == 0 {
		cfg.Pipeline.AdapterTimeout = Duration(2 * time.Minute)
	}

	if cfg.Knowledge.LogPath == "" {
		cfg.Knowledge.LogPath = "~/.local/share/circuitd/knowledge/findings.jsonl"
	}
	if cfg.Knowledge.ReindexEvery == 0 {
		cfg.Knowledge.ReindexEvery = 16
	}
	if cfg.Knowledge.ReindexInterval == 0 {
		cfg.Knowledge.ReindexInterval = Duration(5 * time.Minute)
	}
	if cfg.Knowledge.RetrievalLimit == 0 {
		cfg.Knowledge.RetrievalLimit = 8
	}

	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = "~/.local/share/circuitd/artifacts"
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}

	if cfg.Embeddings.CacheDir == "" {
		cfg.Embeddings.CacheDir = "~/.cache/circuitd/fastembed"
	}

	if cfg.Toolchain.CompilerPath == "" {
		cfg.Toolchain.CompilerPath = "sdcc"
	}
	if cfg.Toolchain.SimulatorPath == "" {
		cfg.Toolchain.SimulatorPath = "proteus-cli"
	}
	if cfg.Toolchain.WorkDir == "" {
		cfg.Toolchain.WorkDir = "~/.local/share/circuitd/work"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Pipeline.MaxReviseAttempts < 1 {
		return fmt.Errorf("pipeline.max_revise_attempts must be positive, got %d", c.Pipeline.MaxReviseAttempts)
	}
	if c.Pipeline.MaxCompileAttempts < 1 {
		return fmt.Errorf("pipeline.max_compile_attempts must be positive, got %d", c.Pipeline.MaxCompileAttempts)
	}
	if c.Pipeline.MaxSimulateAttempts < 1 {
		return fmt.Errorf("pipeline.max_simulate_attempts must be positive, got %d", c.Pipeline.MaxSimulateAttempts)
	}
	if c.Pipeline.AdapterTimeout.Duration() <= 0 {
		return fmt.Errorf("pipeline.adapter_timeout must be positive")
	}
	if c.Knowledge.ReindexEvery < 1 {
		return fmt.Errorf("knowledge.reindex_every must be positive, got %d", c.Knowledge.ReindexEvery)
	}
	if c.Knowledge.ReindexInterval.Duration() <= 0 {
		return fmt.Errorf("knowledge.reindex_interval must be positive")
	}
	if c.Knowledge.RetrievalLimit < 1 {
		return fmt.Errorf("knowledge.retrieval_limit must be positive, got %d", c.Knowledge.RetrievalLimit)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
