package indexer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/perfstat/pkg/cache"
	"github.com/ethpandaops/perfstat/pkg/correlate"
	"github.com/ethpandaops/perfstat/pkg/indexstore"
	"github.com/ethpandaops/perfstat/pkg/ingest"
	"github.com/ethpandaops/perfstat/pkg/storage"
)

// defaultConcurrency is the number of builds indexed in parallel when
// no explicit concurrency value is configured.
const defaultConcurrency = 4

// Indexer is a background service that periodically scans storage and
// exports the test summaries of builds missing from the index store.
type Indexer interface {
	Start(ctx context.Context) error
	Stop() error
	RunPass(ctx context.Context) (int64, error)
}

// Compile-time interface check.
var _ Indexer = (*indexer)(nil)

// Options configures an Indexer.
type Options struct {
	Interval           time.Duration
	Concurrency        int
	Timeout            time.Duration
	AggregateFileParam string
}

type indexer struct {
	log      logrus.FieldLogger
	store    indexstore.Store
	reader   storage.Reader
	locator  *storage.ArtifactLocator
	ingestor *ingest.Ingestor
	opts     Options
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIndexer creates a new background indexer.
func NewIndexer(
	log logrus.FieldLogger,
	store indexstore.Store,
	reader storage.Reader,
	ingestor *ingest.Ingestor,
	opts Options,
) Indexer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	return &indexer{
		log:      log.WithField("component", "indexer"),
		store:    store,
		reader:   reader,
		locator:  storage.NewArtifactLocator(reader),
		ingestor: ingestor,
		opts:     opts,
		done:     make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate pass and
// then ticks at the configured interval.
func (idx *indexer) Start(ctx context.Context) error {
	if idx.opts.Interval <= 0 {
		return fmt.Errorf("invalid indexing interval %s", idx.opts.Interval)
	}

	idx.log.WithFields(logrus.Fields{
		"interval":    idx.opts.Interval.String(),
		"concurrency": idx.opts.Concurrency,
	}).Info("Starting indexer")

	idx.wg.Add(1)

	go func() {
		defer idx.wg.Done()

		idx.runPassLogged(ctx)

		ticker := time.NewTicker(idx.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				idx.runPassLogged(ctx)
			case <-idx.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the indexer goroutine to stop and waits for it.
func (idx *indexer) Stop() error {
	idx.stopOnce.Do(func() { close(idx.done) })
	idx.wg.Wait()

	idx.log.Info("Indexer stopped")

	return nil
}

func (idx *indexer) runPassLogged(ctx context.Context) {
	start := time.Now()

	count, err := idx.RunPass(ctx)
	if err != nil {
		idx.log.WithError(err).Warn("Indexing pass failed")

		return
	}

	idx.log.WithFields(logrus.Fields{
		"indexed":  count,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Indexing pass completed")
}

// RunPass indexes every stored build missing from the index store and
// returns how many builds were indexed. Builds that fail to load are
// logged and skipped.
func (idx *indexer) RunPass(ctx context.Context) (int64, error) {
	storageIDs, err := idx.reader.ListBuildIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored builds: %w", err)
	}

	indexedIDs, err := idx.store.ListIndexedBuildIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing indexed builds: %w", err)
	}

	indexed := make(map[int64]struct{}, len(indexedIDs))
	for _, id := range indexedIDs {
		indexed[id] = struct{}{}
	}

	var tasks []string

	for _, id := range storageIDs {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			idx.log.WithField("build_id", id).Debug("Skipping non-numeric build directory")

			continue
		}

		if _, ok := indexed[n]; ok {
			continue
		}

		tasks = append(tasks, id)
	}

	idx.log.WithFields(logrus.Fields{
		"stored_builds":  len(storageIDs),
		"indexed_builds": len(indexedIDs),
		"new_builds":     len(tasks),
	}).Debug("Scanning builds")

	if len(tasks) == 0 {
		return 0, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(idx.opts.Concurrency)

	var count atomic.Int64

	for _, buildID := range tasks {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-idx.done:
				return nil
			default:
			}

			if err := idx.indexBuild(gCtx, buildID); err != nil {
				idx.log.WithError(err).
					WithField("build_id", buildID).
					Warn("Failed to index build")

				return nil //nolint:nilerr // log and continue
			}

			count.Add(1)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return count.Load(), fmt.Errorf("indexing builds: %w", err)
	}

	return count.Load(), nil
}

// indexBuild reconstructs one build in a private cache whose only
// observer is the index export hook.
func (idx *indexer) indexBuild(ctx context.Context, buildID string) error {
	build, err := storage.LoadBuild(ctx, idx.reader, buildID)
	if err != nil {
		return fmt.Errorf("loading build: %w", err)
	}

	if idx.opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, idx.opts.Timeout)
		defer cancel()
	}

	var exportErr error

	export := func(id int64, partition *correlate.Partition, _ []string) {
		exportErr = indexstore.Export(ctx, idx.store, id, partition)
	}

	c := cache.New(idx.log, idx.ingestor, idx.locator, cache.Options{
		AggregateFileParam: idx.opts.AggregateFileParam,
		Hooks:              []cache.RebuildHook{export},
	})

	c.FailedTestRuns(ctx, build)

	if exportErr != nil {
		return fmt.Errorf("exporting test summaries: %w", exportErr)
	}

	idx.log.WithField("build_id", build.ID()).Info("Indexed build")

	return nil
}
