package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nicktill/timeindex/pkg/config"
	"github.com/nicktill/timeindex/pkg/index"
	"github.com/nicktill/timeindex/pkg/logger"
	"github.com/nicktill/timeindex/pkg/metrics"
	"github.com/nicktill/timeindex/pkg/server"
	"github.com/nicktill/timeindex/pkg/storage/badger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "timeindex",
	Short: "Time-tree index over a content-addressed link store",
	Long: `timeindex files entries under time buckets in a tree of
index / year / month / day / [hour / minute / second] / bucket paths
and answers range queries over them.

The latest and query commands open the data directory directly, so they
cannot run while a server holds it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment and builds the logger
func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	return cfg, log, nil
}

// openIndexer opens the data directory for a one-shot command. The
// caller must close the returned store.
func openIndexer(cfg config.Config, log zerolog.Logger) (*index.Indexer, *badger.Storage, error) {
	store, err := server.InitializeStorage(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	ix, err := server.InitializeIndexer(cfg, store, metrics.New(prometheus.NewRegistry()), log)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return ix, store, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
