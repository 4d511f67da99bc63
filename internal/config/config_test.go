package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9210, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Pipeline.MaxReviseAttempts)
	assert.Equal(t, 3, cfg.Pipeline.MaxCompileAttempts)
	assert.Equal(t, 2, cfg.Pipeline.MaxSimulateAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.AdapterTimeout.Duration())
	assert.Equal(t, 16, cfg.Knowledge.ReindexEvery)
	assert.Equal(t, 5*time.Minute, cfg.Knowledge.ReindexInterval.Duration())
	assert.Empty(t, cfg.Knowledge.IndexPath, "index stays in memory unless opted in")
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = -1 },
			errMsg: "server.port",
		},
		{
			name:   "zero revise budget",
			mutate: func(c *Config) { c.Pipeline.MaxReviseAttempts = 0 },
			errMsg: "max_revise_attempts",
		},
		{
			name:   "zero compile budget",
			mutate: func(c *Config) { c.Pipeline.MaxCompileAttempts = -2 },
			errMsg: "max_compile_attempts",
		},
		{
			name:   "zero reindex batch",
			mutate: func(c *Config) { c.Knowledge.ReindexEvery = 0 },
			errMsg: "reindex_every",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			errMsg: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := []byte(`
server:
  port: 9999
pipeline:
  max_revise_attempts: 5
  adapter_timeout: 30s
knowledge:
  reindex_every: 4
  reindex_interval: 1m
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Pipeline.MaxReviseAttempts)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.AdapterTimeout.Duration())
	assert.Equal(t, 4, cfg.Knowledge.ReindexEvery)
	assert.Equal(t, time.Minute, cfg.Knowledge.ReindexInterval.Duration())

	// Defaults still applied for unset fields
	assert.Equal(t, 3, cfg.Pipeline.MaxCompileAttempts)
}

func TestLoadWithFileEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0600))

	t.Setenv("CIRCUITD_SERVER_PORT", "7777")
	t.Setenv("CIRCUITD_PIPELINE_MAX_SIMULATE_ATTEMPTS", "9")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port, "env must win over file")
	assert.Equal(t, 9, cfg.Pipeline.MaxSimulateAttempts)
}

func TestLoadWithFileRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoadWithFileMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9210, cfg.Server.Port)
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("sk-very-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-very-secret", s.Value())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "very-secret")

	var empty Secret
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}
