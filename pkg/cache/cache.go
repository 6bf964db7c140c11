package cache

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfstat/pkg/correlate"
	"github.com/ethpandaops/perfstat/pkg/ingest"
	"github.com/ethpandaops/perfstat/pkg/provider"
	"github.com/ethpandaops/perfstat/pkg/storage"
	"github.com/ethpandaops/perfstat/pkg/testrun"
)

// Build is the host view of one build.
type Build interface {
	// ID returns the comparable identity of the build.
	ID() int64
	// FailureReasons returns every problem reported for the build.
	FailureReasons() []correlate.FailureReason
	// Tests returns the discovered tests in discovery order.
	Tests() []testrun.Identity
	// Parameter returns a build parameter.
	Parameter(name string) (string, bool)
}

// ArtifactLocator opens a build artifact by file name. The error wraps
// storage.ErrNotFound when no artifact matches.
type ArtifactLocator interface {
	Locate(ctx context.Context, buildID int64, name string) (io.ReadCloser, error)
}

// RebuildHook observes every completed rebuild before it becomes visible.
type RebuildHook func(buildID int64, partition *correlate.Partition, titles []string)

// Options configures a Cache.
type Options struct {
	// AggregateFileParam names the build parameter holding the log artifact name.
	AggregateFileParam string
	// Registrar receives one provider registration per metric key. Optional.
	Registrar *provider.Registrar
	// Hooks run after ingestion, in order. Optional.
	Hooks []RebuildHook
}

// snapshot is the immutable result of one rebuild.
type snapshot struct {
	buildID   int64
	partition *correlate.Partition
	titles    []string
}

// Cache holds the reconstructed test runs of the most recently requested
// build. Readers of the cached build never block; a request for a different
// build rebuilds under a cache-wide lock and swaps the result in whole.
type Cache struct {
	log      logrus.FieldLogger
	ingestor *ingest.Ingestor
	locator  ArtifactLocator
	opts     Options

	current  atomic.Pointer[snapshot]
	mu       sync.Mutex
	rebuilds atomic.Int64
}

// New creates an empty cache.
func New(
	log logrus.FieldLogger,
	ingestor *ingest.Ingestor,
	locator ArtifactLocator,
	opts Options,
) *Cache {
	return &Cache{
		log:      log.WithField("component", "cache"),
		ingestor: ingestor,
		locator:  locator,
		opts:     opts,
	}
}

// FailedTestRuns returns the failed tests of build sorted by group name.
func (c *Cache) FailedTestRuns(ctx context.Context, build Build) []*testrun.TestRun {
	return sortByGroup(c.snapshotFor(ctx, build).partition.Failed.Runs())
}

// SucceededTestRuns returns the succeeded tests of build sorted by group name.
func (c *Cache) SucceededTestRuns(ctx context.Context, build Build) []*testrun.TestRun {
	return sortByGroup(c.snapshotFor(ctx, build).partition.Succeeded.Runs())
}

// FindTestByName returns the test with the given full name, looking in the
// failed tests first.
func (c *Cache) FindTestByName(ctx context.Context, build Build, name string) (*testrun.TestRun, bool) {
	return c.snapshotFor(ctx, build).partition.Find(name)
}

// LogColumnTitles returns the column titles of the build's aggregate log,
// or nil when no log was read.
func (c *Cache) LogColumnTitles(ctx context.Context, build Build) []string {
	return append([]string(nil), c.snapshotFor(ctx, build).titles...)
}

// CachedBuildID returns the identity of the cached build.
func (c *Cache) CachedBuildID() (int64, bool) {
	snap := c.current.Load()
	if snap == nil {
		return 0, false
	}

	return snap.buildID, true
}

// RebuildCount returns how many rebuilds the cache has performed.
func (c *Cache) RebuildCount() int64 {
	return c.rebuilds.Load()
}

func (c *Cache) snapshotFor(ctx context.Context, build Build) *snapshot {
	if snap := c.current.Load(); snap != nil && snap.buildID == build.ID() {
		return snap
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have rebuilt while we waited.
	if snap := c.current.Load(); snap != nil && snap.buildID == build.ID() {
		return snap
	}

	snap := c.rebuild(ctx, build)
	c.current.Store(snap)

	return snap
}

// rebuild reconstructs the test runs of build off to the side. It must be
// called with c.mu held. The snapshot outlives the triggering request, so
// its cancellation does not reach the artifact lookup.
func (c *Cache) rebuild(ctx context.Context, build Build) *snapshot {
	ctx = context.WithoutCancel(ctx)
	log := c.log.WithField("build_id", build.ID())

	c.rebuilds.Add(1)

	partition := correlate.Correlate(build.FailureReasons(), build.Tests())
	runs := partition.All()

	providers := c.ensureProviders(log, runs)

	var titles []string

	if name, ok := c.logFileName(build); ok {
		titles = c.ingestArtifact(ctx, log, build.ID(), name, partition)
	} else {
		log.Debug("Build has no aggregate log parameter")
	}

	published := make(map[string]struct{}, 2*len(runs))

	for _, run := range runs {
		for _, p := range providers[run.FullName()] {
			p.Publish(run)
			published[p.Key()] = struct{}{}
		}
	}

	if c.opts.Registrar != nil {
		if n := c.opts.Registrar.ResetExcept(published); n > 0 {
			log.WithField("providers", n).Debug("Reset providers of tests absent from build")
		}
	}

	for _, hook := range c.opts.Hooks {
		hook(build.ID(), partition, titles)
	}

	log.WithFields(logrus.Fields{
		"failed":    partition.Failed.Len(),
		"succeeded": partition.Succeeded.Len(),
		"columns":   len(titles),
	}).Info("Rebuilt test runs")

	return &snapshot{
		buildID:   build.ID(),
		partition: partition,
		titles:    titles,
	}
}

// logFileName returns the aggregate log artifact name configured for build.
func (c *Cache) logFileName(build Build) (string, bool) {
	if c.locator == nil || c.opts.AggregateFileParam == "" {
		return "", false
	}

	name, ok := build.Parameter(c.opts.AggregateFileParam)
	if !ok || name == "" {
		return "", false
	}

	return name, true
}

// ingestArtifact locates the named log artifact and ingests it into
// partition. A missing artifact leaves every run without samples.
func (c *Cache) ingestArtifact(
	ctx context.Context,
	log logrus.FieldLogger,
	buildID int64,
	name string,
	partition *correlate.Partition,
) []string {
	rc, err := c.locator.Locate(ctx, buildID, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.WithField("file", name).Debug("Aggregate log artifact not found")
		} else {
			log.WithError(err).WithField("file", name).
				Error("Failed to locate aggregate log artifact")
		}

		return nil
	}

	titles, _ := c.ingestor.IngestFile(name, func() (io.ReadCloser, error) {
		return rc, nil
	}, partition)

	return titles
}

// ensureProviders registers the performance and response code providers
// of every run, returning them keyed by full test name.
func (c *Cache) ensureProviders(
	log logrus.FieldLogger, runs []*testrun.TestRun,
) map[string][]provider.Provider {
	if c.opts.Registrar == nil {
		return nil
	}

	out := make(map[string][]provider.Provider, len(runs))

	for _, run := range runs {
		for _, key := range []string{run.ChartKey(), run.ResponseCodeChartKey()} {
			p, err := c.opts.Registrar.Ensure(key)
			if err != nil {
				log.WithError(err).WithField("key", key).
					Warn("Failed to register chart data provider")

				continue
			}

			out[run.FullName()] = append(out[run.FullName()], p)
		}
	}

	return out
}

func sortByGroup(runs []*testrun.TestRun) []*testrun.TestRun {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].GroupName() < runs[j].GroupName()
	})

	return runs
}
