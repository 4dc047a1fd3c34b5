package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.DB.Driver)
	assert.Equal(t, "recordbase.db", cfg.DB.DSN)
	assert.Equal(t, EngineConfig{ExpandDepth: 3, ExpandBatch: 100, ExpandWorkers: 8, RuleCache: 512}, cfg.Engine)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "recordbase.yaml")
	require.NoError(t, os.WriteFile(file, []byte("db:\n  driver: sqlite\n  dsn: file.db\nengine:\n  expanddepth: 2\n"), 0o600))
	t.Setenv("RBTEST_DB_DSN", ":memory:")
	t.Setenv("RBTEST_LOG_FORMAT", "console")

	cfg, err := Load("RBTEST_", file)
	require.NoError(t, err)
	assert.Equal(t, DriverModernc, cfg.DB.Driver)
	assert.Equal(t, ":memory:", cfg.DB.DSN, "environment wins over the file")
	assert.Equal(t, 2, cfg.Engine.ExpandDepth)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.DB.Driver = "oracle" }},
		{"dsn", func(c *Config) { c.DB.DSN = "" }},
		{"depth", func(c *Config) { c.Engine.ExpandDepth = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("", "")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
