package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/perfstat/pkg/api"
	"github.com/ethpandaops/perfstat/pkg/cache"
	"github.com/ethpandaops/perfstat/pkg/indexer"
	"github.com/ethpandaops/perfstat/pkg/indexstore"
	"github.com/ethpandaops/perfstat/pkg/provider"
	"github.com/ethpandaops/perfstat/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the perfstat API server. Per-test results of the requested build
are rebuilt on demand and optionally exported to the summary index.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	reader := newReader(cfg)

	ingestor, err := newIngestor(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := cache.Options{
		AggregateFileParam: cfg.Log.AggregateFileParam,
		Registrar:          provider.NewRegistrar(provider.NewPrometheusRegistry(registry)),
	}

	var (
		store indexstore.Store
		idx   indexer.Indexer
	)

	if cfg.Index.Enabled {
		store = indexstore.NewStore(log, &cfg.Index.Database)
		if err := store.Start(ctx); err != nil {
			return fmt.Errorf("starting index store: %w", err)
		}

		defer func() {
			if err := store.Stop(); err != nil {
				log.WithError(err).Warn("Index store stop error")
			}
		}()

		opts.Hooks = append(opts.Hooks,
			indexstore.NewRebuildHook(log, store, cfg.Index.Timeout))

		if cfg.Index.Interval > 0 {
			idx = indexer.NewIndexer(log, store, reader, ingestor, indexer.Options{
				Interval:           cfg.Index.Interval,
				Concurrency:        cfg.Index.Concurrency,
				Timeout:            cfg.Index.Timeout,
				AggregateFileParam: cfg.Log.AggregateFileParam,
			})
		}
	}

	buildCache := cache.New(log, ingestor, storage.NewArtifactLocator(reader), opts)

	srv := api.NewServer(log, &cfg.API, &cfg.Metrics, api.Options{
		Cache:      buildCache,
		Reader:     reader,
		IndexStore: store,
		Gatherer:   registry,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Start the background indexer after the API is listening.
	if idx != nil {
		if err := idx.Start(ctx); err != nil {
			return fmt.Errorf("starting indexer: %w", err)
		}
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if idx != nil {
		if err := idx.Stop(); err != nil {
			log.WithError(err).Warn("Indexer stop error")
		}
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
