package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/nicktill/timeindex/pkg/config"
	"github.com/nicktill/timeindex/pkg/logger"
	"github.com/nicktill/timeindex/pkg/metrics"
	"github.com/nicktill/timeindex/pkg/server"
	"github.com/nicktill/timeindex/pkg/server/monitor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API backed by BadgerDB",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		log.Info().
			Str("port", cfg.Port).
			Int64("max_storage_gb", cfg.MaxStorageGB).
			Dur("bucket_interval", cfg.BucketInterval).
			Msg("starting timeindex server")

		store, err := server.InitializeStorage(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := server.NewRegistry()
		m := metrics.New(reg)
		ix, err := server.InitializeIndexer(cfg, store, m, log)
		if err != nil {
			return err
		}

		storageMonitor := monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageBytes())
		gcMonitor := monitor.NewTaskMonitor("badger_gc", 3*config.BadgerGCInterval)
		hub := server.NewHub(logger.Component(log, "hub"))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			hub.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			server.RunBadgerGC(ctx, store, config.BadgerGCInterval, gcMonitor, logger.Component(log, "gc"))
		}()
		go func() {
			defer wg.Done()
			server.ReportStorageSize(ctx, store, m, config.StorageMetricsInterval)
		}()

		router := mux.NewRouter()
		server.SetupRoutes(router, server.Routes{
			API:      server.NewAPI(ix, hub, storageMonitor, m, logger.Component(log, "api")),
			Hub:      hub,
			Storage:  storageMonitor,
			Tasks:    []*monitor.TaskMonitor{gcMonitor},
			Gatherer: reg,
			Port:     cfg.Port,
		})

		srv := &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      router,
			ReadTimeout:  config.ServerReadTimeout,
			WriteTimeout: config.ServerWriteTimeout,
		}

		serveErr := make(chan error, 1)
		go func() {
			log.Info().Str("addr", "http://localhost:"+cfg.Port).Msg("server ready to accept requests")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
			close(serveErr)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			log.Info().Msg("shutdown signal received")
		case err := <-serveErr:
			if err != nil {
				log.Error().Err(err).Msg("server failed")
				cancel()
				wg.Wait()
				return err
			}
		}

		// Cancel before waiting or the background loops never return
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown")
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			log.Info().Msg("all background tasks stopped")
		case <-time.After(config.TaskStopTimeout):
			log.Warn().Msg("background tasks did not stop in time")
		}

		log.Info().Msg("timeindex server exited")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
