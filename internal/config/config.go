package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation error
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration
type Config struct {
	// DataDir holds the source database and the indexes unless they are
	// configured explicitly
	DataDir          string `yaml:"data_dir"`
	DBPath           string `yaml:"db_path"`
	IndexPath        string `yaml:"index_path"`
	ServiceIndexPath string `yaml:"service_index_path"`

	Search  SearchConfig  `yaml:"search"`
	Index   IndexConfig   `yaml:"index"`
	Reindex ReindexConfig `yaml:"reindex"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// SearchConfig holds pagination settings
type SearchConfig struct {
	DefaultPage    int `yaml:"default_page"`
	DefaultPerPage int `yaml:"default_per_page"`
	MaxPerPage     int `yaml:"max_per_page"` // 0 means the built-in ceiling
}

// IndexConfig holds index store settings
type IndexConfig struct {
	BatchSize int `yaml:"batch_size"`
	CacheSize int `yaml:"cache_size"`
}

// ReindexConfig holds worker pool sizes
type ReindexConfig struct {
	Workers        int `yaml:"workers"`
	RebuildWorkers int `yaml:"rebuild_workers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Search: SearchConfig{
			DefaultPage:    1,
			DefaultPerPage: 30,
		},
		Index: IndexConfig{
			BatchSize: 500,
			CacheSize: 1024,
		},
		Reindex: ReindexConfig{
			Workers:        4,
			RebuildWorkers: 8,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped when path is empty) and LOCSEARCH_* environment variables, in
// that order, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("LOCSEARCH_DATA_DIR", c.DataDir)
	c.DBPath = getEnv("LOCSEARCH_DB_PATH", c.DBPath)
	c.IndexPath = getEnv("LOCSEARCH_INDEX_PATH", c.IndexPath)
	c.ServiceIndexPath = getEnv("LOCSEARCH_SERVICE_INDEX_PATH", c.ServiceIndexPath)

	c.Search.DefaultPage = getEnvInt("LOCSEARCH_DEFAULT_PAGE", c.Search.DefaultPage)
	c.Search.DefaultPerPage = getEnvInt("LOCSEARCH_DEFAULT_PER_PAGE", c.Search.DefaultPerPage)
	c.Search.MaxPerPage = getEnvInt("LOCSEARCH_MAX_PER_PAGE", c.Search.MaxPerPage)

	c.Index.BatchSize = getEnvInt("LOCSEARCH_INDEX_BATCH_SIZE", c.Index.BatchSize)
	c.Index.CacheSize = getEnvInt("LOCSEARCH_INDEX_CACHE_SIZE", c.Index.CacheSize)

	c.Reindex.Workers = getEnvInt("LOCSEARCH_REINDEX_WORKERS", c.Reindex.Workers)
	c.Reindex.RebuildWorkers = getEnvInt("LOCSEARCH_REBUILD_WORKERS", c.Reindex.RebuildWorkers)

	c.Server.Host = getEnv("LOCSEARCH_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("LOCSEARCH_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("LOCSEARCH_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("LOCSEARCH_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("LOCSEARCH_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Log.Level = getEnv("LOCSEARCH_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOCSEARCH_LOG_FORMAT", c.Log.Format)
}

// Validate checks the configuration for values the components cannot run with
func (c *Config) Validate() error {
	if c.DataDir == "" && (c.DBPath == "" || c.IndexPath == "" || c.ServiceIndexPath == "") {
		return fmt.Errorf("%w: data_dir is required unless db_path, index_path and service_index_path are set", ErrInvalidConfig)
	}
	if c.Search.DefaultPage < 1 {
		return fmt.Errorf("%w: search.default_page must be positive", ErrInvalidConfig)
	}
	if c.Search.DefaultPerPage < 1 {
		return fmt.Errorf("%w: search.default_per_page must be positive", ErrInvalidConfig)
	}
	if c.Search.MaxPerPage < 0 {
		return fmt.Errorf("%w: search.max_per_page must not be negative", ErrInvalidConfig)
	}
	if c.Search.MaxPerPage > 0 && c.Search.DefaultPerPage > c.Search.MaxPerPage {
		return fmt.Errorf("%w: search.default_per_page exceeds max_per_page", ErrInvalidConfig)
	}
	if c.Index.BatchSize < 1 {
		return fmt.Errorf("%w: index.batch_size must be positive", ErrInvalidConfig)
	}
	if c.Index.CacheSize < 1 {
		return fmt.Errorf("%w: index.cache_size must be positive", ErrInvalidConfig)
	}
	if c.Reindex.Workers < 1 || c.Reindex.RebuildWorkers < 1 {
		return fmt.Errorf("%w: reindex worker counts must be positive", ErrInvalidConfig)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log.format must be json or console, got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// DatabasePath returns the source database location
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "locations.db")
}

// IndexDir returns the search index location
func (c *Config) IndexDir() string {
	if c.IndexPath != "" {
		return c.IndexPath
	}
	return filepath.Join(c.DataDir, "locations.bleve")
}

// ServiceIndexDir returns the service index location
func (c *Config) ServiceIndexDir() string {
	if c.ServiceIndexPath != "" {
		return c.ServiceIndexPath
	}
	return filepath.Join(c.DataDir, "services.bleve")
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
