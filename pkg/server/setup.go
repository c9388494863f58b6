package server

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/nicktill/timeindex/pkg/config"
	"github.com/nicktill/timeindex/pkg/index"
	"github.com/nicktill/timeindex/pkg/logger"
	"github.com/nicktill/timeindex/pkg/metrics"
	"github.com/nicktill/timeindex/pkg/storage"
	"github.com/nicktill/timeindex/pkg/storage/badger"
	"github.com/nicktill/timeindex/pkg/timetree"
)

// InitializeStorage opens the BadgerDB store under cfg.DataDir, creating
// the directory if needed.
func InitializeStorage(cfg config.Config, log zerolog.Logger) (*badger.Storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log.Info().Str("dir", cfg.DataDir).Int64("max_memory_mb", cfg.MaxMemoryMB).Msg("initializing BadgerDB storage")
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Msg("BadgerDB storage initialized")
	return store, nil
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors alongside the index metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// InitializeIndexer builds an instrumented indexer over store
func InitializeIndexer(cfg config.Config, store storage.Store, m *metrics.Metrics, log zerolog.Logger) (*index.Indexer, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}

	ix := index.New(metrics.WrapStore(store, m), settings,
		index.WithLogger(logger.Component(log, "index")),
		index.WithObserver(m),
	)
	log.Info().
		Dur("interval", settings.Interval()).
		Strs("depth", granularityNames(settings)).
		Msg("indexer ready")
	return ix, nil
}

func granularityNames(settings timetree.Settings) []string {
	depth := settings.IndexDepth()
	names := make([]string, len(depth))
	for i, g := range depth {
		names[i] = g.String()
	}
	return names
}
