package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfstat/pkg/cache"
	"github.com/ethpandaops/perfstat/pkg/config"
	"github.com/ethpandaops/perfstat/pkg/indexstore"
	"github.com/ethpandaops/perfstat/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Options holds the components served by the API.
type Options struct {
	// Cache answers every per-build test query.
	Cache *cache.Cache
	// Reader resolves build descriptors.
	Reader storage.Reader
	// IndexStore serves history queries. Optional.
	IndexStore indexstore.Store
	// Gatherer backs the metrics endpoint. Optional.
	Gatherer prometheus.Gatherer
}

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	metricsCfg *config.MetricsConfig
	opts       Options
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	metricsCfg *config.MetricsConfig,
	opts Options,
) Server {
	return &server{
		log:        log.WithField("component", "api"),
		cfg:        cfg,
		metricsCfg: metricsCfg,
		opts:       opts,
		done:       make(chan struct{}),
	}
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(_ context.Context) error {
	if s.opts.Cache == nil || s.opts.Reader == nil {
		return fmt.Errorf("api server requires a cache and a storage reader")
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
