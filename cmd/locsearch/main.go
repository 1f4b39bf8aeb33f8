package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/renderinc/locsearch/internal/config"
	"github.com/renderinc/locsearch/internal/logging"
	"github.com/renderinc/locsearch/internal/metrics"
	"github.com/renderinc/locsearch/internal/reindex"
	"github.com/renderinc/locsearch/internal/search"
	"github.com/renderinc/locsearch/internal/storage"
)

var (
	configPath string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "locsearch",
	Short: "Search human-services locations",
	Long: `locsearch keeps a full-text index of human-services locations in step
with their source records and serves ranked, paginated searches over it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory holding the database and the index")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the wired set of components shared by every command
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	db        *storage.DB
	index     *search.Index
	services  *search.ServiceIndex
	reindexer *reindex.Reindexer
	searcher  *search.Searcher
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.metrics = metrics.NewMetrics(a.registry)

	a.db, err = storage.Open(cfg.DatabasePath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	a.index, err = search.Open(cfg.IndexDir(), search.Options{
		BatchSize: cfg.Index.BatchSize,
		CacheSize: cfg.Index.CacheSize,
		Logger:    logger.Named("index"),
		Metrics:   a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open index: %w", err)
	}

	a.services, err = search.OpenServices(cfg.ServiceIndexDir(), search.Options{
		BatchSize: cfg.Index.BatchSize,
		Logger:    logger.Named("services"),
		Metrics:   a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open service index: %w", err)
	}

	a.reindexer, err = reindex.New(a.db, a.index,
		reindex.WithServiceStore(a.services),
		reindex.WithWorkers(cfg.Reindex.Workers),
		reindex.WithRebuildWorkers(cfg.Reindex.RebuildWorkers),
		reindex.WithLogger(logger.Named("reindex")),
		reindex.WithMetrics(a.metrics),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create reindexer: %w", err)
	}

	a.searcher = search.NewSearcher(a.index, nil, search.Config{
		DefaultPage:    cfg.Search.DefaultPage,
		DefaultPerPage: cfg.Search.DefaultPerPage,
		MaxPerPage:     cfg.Search.MaxPerPage,
	},
		search.WithLogger(logger.Named("search")),
		search.WithMetrics(a.metrics),
		search.WithServiceStore(a.services),
	)

	return a, nil
}

// Close drains queued re-projections and closes the indexes and the database
func (a *app) Close() {
	if a.reindexer != nil {
		a.reindexer.Release()
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("close index", zap.Error(err))
		}
	}
	if a.services != nil {
		if err := a.services.Close(); err != nil {
			a.logger.Warn("close service index", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
