package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
logger:
  level: INFO
  json: true
db:
  path: /var/lib/chronodb
  chunk:
    compression: snappy
  rollover:
    threshold_bytes: 1024
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "INFO", cfg.Logger.Level)
	require.True(t, cfg.Logger.JSON)
	require.Equal(t, "/var/lib/chronodb", cfg.DB.RootPath)
	require.Equal(t, "snappy", cfg.DB.Chunk.Compression)
	require.Equal(t, int64(1024), cfg.DB.Rollover.ThresholdBytes)
}

func TestLoad_RejectsUnknownCompression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  chunk:\n    compression: lz4\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_Tags(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "empty compression means none", mutate: func(c *Config) { c.DB.Chunk.Compression = "" }, ok: true},
		{name: "empty strategy means default", mutate: func(c *Config) { c.DB.Commit.ConflictStrategy = "" }, ok: true},
		{name: "unknown compression", mutate: func(c *Config) { c.DB.Chunk.Compression = "lz4" }},
		{name: "unknown strategy", mutate: func(c *Config) { c.DB.Commit.ConflictStrategy = "merge" }},
		{name: "missing path", mutate: func(c *Config) { c.DB.RootPath = "" }},
		{name: "negative capacity", mutate: func(c *Config) { c.DB.Cache.Capacity = -1 }},
		{name: "negative threshold", mutate: func(c *Config) { c.DB.Rollover.ThresholdBytes = -1 }},
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }},
		{name: "unknown log level", mutate: func(c *Config) { c.Logger.Level = "TRACE" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
				require.NoError(t, cfg.DB.Validate())
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestLoad_RejectsBadServerPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http-server:\n  port: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
