package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locsearch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Search.DefaultPage)
	assert.Equal(t, 30, cfg.Search.DefaultPerPage)
	assert.Zero(t, cfg.Search.MaxPerPage)
	assert.Equal(t, filepath.Join("./data", "locations.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("./data", "locations.bleve"), cfg.IndexDir())
	assert.Equal(t, filepath.Join("./data", "services.bleve"), cfg.ServiceIndexDir())
	assert.Equal(t, "localhost:8080", cfg.Addr())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/locsearch
index_path: /mnt/fast/index
search:
  default_per_page: 10
  max_per_page: 50
reindex:
  workers: 2
server:
  port: 9000
  read_timeout: 5s
log:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/locsearch/locations.db", cfg.DatabasePath())
	assert.Equal(t, "/mnt/fast/index", cfg.IndexDir())
	assert.Equal(t, "/var/lib/locsearch/services.bleve", cfg.ServiceIndexDir())
	assert.Equal(t, 1, cfg.Search.DefaultPage, "unset values keep their default")
	assert.Equal(t, 10, cfg.Search.DefaultPerPage)
	assert.Equal(t, 50, cfg.Search.MaxPerPage)
	assert.Equal(t, 2, cfg.Reindex.Workers)
	assert.Equal(t, 8, cfg.Reindex.RebuildWorkers)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\nsearch:\n  default_per_page: 10\n")

	t.Setenv("LOCSEARCH_PORT", "9100")
	t.Setenv("LOCSEARCH_DEFAULT_PER_PAGE", "25")
	t.Setenv("LOCSEARCH_SHUTDOWN_TIMEOUT", "1m")
	t.Setenv("LOCSEARCH_LOG_LEVEL", "warn")
	t.Setenv("LOCSEARCH_REINDEX_WORKERS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Search.DefaultPerPage)
	assert.Equal(t, time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Reindex.Workers, "unparsable values are ignored")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "search: [not, a, map]"))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(writeConfig(t, "search:\n  default_per_page: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no data dir with explicit paths", func(c *Config) {
			c.DataDir, c.DBPath, c.IndexPath, c.ServiceIndexPath = "", "a.db", "a.bleve", "s.bleve"
		}, false},
		{"no data dir without service index path", func(c *Config) {
			c.DataDir, c.DBPath, c.IndexPath = "", "a.db", "a.bleve"
		}, true},
		{"no data dir", func(c *Config) { c.DataDir = "" }, true},
		{"zero page", func(c *Config) { c.Search.DefaultPage = 0 }, true},
		{"negative max", func(c *Config) { c.Search.MaxPerPage = -1 }, true},
		{"default above max", func(c *Config) { c.Search.MaxPerPage = 10 }, true},
		{"zero batch", func(c *Config) { c.Index.BatchSize = 0 }, true},
		{"zero cache", func(c *Config) { c.Index.CacheSize = 0 }, true},
		{"zero workers", func(c *Config) { c.Reindex.Workers = 0 }, true},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
