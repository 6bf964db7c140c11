package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/perfstat/pkg/correlate"
	"github.com/ethpandaops/perfstat/pkg/ingest"
	"github.com/ethpandaops/perfstat/pkg/logline"
	"github.com/ethpandaops/perfstat/pkg/provider"
	"github.com/ethpandaops/perfstat/pkg/storage"
	"github.com/ethpandaops/perfstat/pkg/testrun"
)

const logParam = "perfTest.agg.artifact.name"

// countingBuild counts how often the cache enumerates it.
type countingBuild struct {
	id      int64
	reasons []correlate.FailureReason
	tests   []testrun.Identity
	params  map[string]string

	enumerations atomic.Int64
}

func (b *countingBuild) ID() int64 { return b.id }

func (b *countingBuild) FailureReasons() []correlate.FailureReason {
	b.enumerations.Add(1)

	return b.reasons
}

func (b *countingBuild) Tests() []testrun.Identity { return b.tests }

func (b *countingBuild) Parameter(name string) (string, bool) {
	v, ok := b.params[name]

	return v, ok
}

// mapLocator serves artifacts from memory keyed by build ID and name.
type mapLocator struct {
	mu       sync.Mutex
	files    map[string]string
	locates  int
	failWith error
}

func (l *mapLocator) Locate(_ context.Context, buildID int64, name string) (io.ReadCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locates++

	if l.failWith != nil {
		return nil, l.failWith
	}

	content, ok := l.files[fmt.Sprintf("%d/%s", buildID, name)]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", name, storage.ErrNotFound)
	}

	return io.NopCloser(strings.NewReader(content)), nil
}

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func newTestCache(t *testing.T, locator ArtifactLocator, opts Options) *Cache {
	t.Helper()

	codec, err := logline.NewCodec(logline.DefaultDelimiter, nil)
	require.NoError(t, err)

	if opts.AggregateFileParam == "" {
		opts.AggregateFileParam = logParam
	}

	log := newTestLogger()

	return New(log, ingest.NewIngestor(log, codec), locator, opts)
}

func newBuild(id int64) *countingBuild {
	return &countingBuild{
		id: id,
		reasons: []correlate.FailureReason{
			{Type: correlate.PerformanceProblemType, TestName: "A", Description: "slow"},
			{Type: "OTHER", TestName: "B"},
			{Type: correlate.PerformanceProblemType, TestName: "A", Description: "errors"},
		},
		tests: []testrun.Identity{
			{FullName: "C", GroupName: "gamma"},
			{FullName: "A", GroupName: "alpha"},
			{FullName: "B", GroupName: "beta"},
		},
		params: map[string]string{logParam: "results.tsv"},
	}
}

func fullNames(runs []*testrun.TestRun) []string {
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.FullName())
	}

	return out
}

const testLog = "Time\tLatency\tLabel\tCode\n" +
	"100\t1.5\tA\t200\n" +
	"101\t2\tB\t500\n" +
	"102\t3\tTestZ\t200\n" +
	"bad line\n" +
	"103\t4\tA\t200\n"

func TestCache_Correlation(t *testing.T) {
	locator := &mapLocator{files: map[string]string{"1/results.tsv": testLog}}
	c := newTestCache(t, locator, Options{})
	ctx := context.Background()
	build := newBuild(1)

	failed := c.FailedTestRuns(ctx, build)
	assert.Equal(t, []string{"A"}, fullNames(failed))
	assert.Len(t, failed[0].Problems(), 2)

	succeeded := c.SucceededTestRuns(ctx, build)
	assert.Equal(t, []string{"B", "C"}, fullNames(succeeded), "sorted by group name")

	a, ok := c.FindTestByName(ctx, build, "A")
	require.True(t, ok)
	assert.Equal(t, []testrun.Sample{{StartTime: 100, Elapsed: 1.5}, {StartTime: 103, Elapsed: 4}}, a.Samples())
	assert.Equal(t, map[string]int{"200": 2}, a.ResponseCodes())

	b, ok := c.FindTestByName(ctx, build, "B")
	require.True(t, ok)
	assert.Equal(t, testrun.OutcomeSucceeded, b.Outcome())
	assert.Equal(t, map[string]int{"500": 1}, b.ResponseCodes())

	_, ok = c.FindTestByName(ctx, build, "TestZ")
	assert.False(t, ok)

	assert.Equal(t, []string{"Time", "Latency", "Label", "Code"}, c.LogColumnTitles(ctx, build))
}

func TestCache_RebuildsOncePerBuild(t *testing.T) {
	locator := &mapLocator{files: map[string]string{"1/results.tsv": testLog}}
	c := newTestCache(t, locator, Options{})
	ctx := context.Background()

	_, cached := c.CachedBuildID()
	assert.False(t, cached)

	build := newBuild(1)

	c.FailedTestRuns(ctx, build)
	c.SucceededTestRuns(ctx, build)
	c.FindTestByName(ctx, build, "A")
	c.LogColumnTitles(ctx, build)

	assert.Equal(t, int64(1), build.enumerations.Load())
	assert.Equal(t, int64(1), c.RebuildCount())
	assert.Equal(t, 1, locator.locates)

	id, cached := c.CachedBuildID()
	assert.True(t, cached)
	assert.Equal(t, int64(1), id)

	// A different build replaces the cached state wholesale.
	other := newBuild(2)
	other.tests = []testrun.Identity{{FullName: "D", GroupName: "delta"}}

	assert.Equal(t, []string{"D"}, fullNames(c.SucceededTestRuns(ctx, other)))
	assert.Empty(t, c.FailedTestRuns(ctx, other))
	assert.Nil(t, c.LogColumnTitles(ctx, other))
	assert.Equal(t, int64(2), c.RebuildCount())

	_, ok := c.FindTestByName(ctx, other, "A")
	assert.False(t, ok)

	// Going back rebuilds again from scratch.
	a, ok := c.FindTestByName(ctx, build, "A")
	require.True(t, ok)
	assert.Len(t, a.Samples(), 2, "samples are not merged across rebuilds")
	assert.Equal(t, int64(2), build.enumerations.Load())
}

func TestCache_ArtifactMissing(t *testing.T) {
	tests := []struct {
		name    string
		locator ArtifactLocator
		params  map[string]string
	}{
		{
			name:    "no matching artifact",
			locator: &mapLocator{files: map[string]string{}},
			params:  map[string]string{logParam: "results.tsv"},
		},
		{
			name:    "locator error",
			locator: &mapLocator{failWith: errors.New("storage down")},
			params:  map[string]string{logParam: "results.tsv"},
		},
		{
			name:    "no parameter",
			locator: &mapLocator{files: map[string]string{"1/results.tsv": testLog}},
			params:  map[string]string{},
		},
		{
			name:    "no locator",
			locator: nil,
			params:  map[string]string{logParam: "results.tsv"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t, tt.locator, Options{})
			ctx := context.Background()

			build := newBuild(1)
			build.params = tt.params

			assert.Nil(t, c.LogColumnTitles(ctx, build))
			assert.Equal(t, []string{"A"}, fullNames(c.FailedTestRuns(ctx, build)))

			for _, run := range append(c.FailedTestRuns(ctx, build), c.SucceededTestRuns(ctx, build)...) {
				assert.Empty(t, run.Samples())
			}
		})
	}
}

func TestCache_RegistersProvidersOnce(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	registry := provider.NewPrometheusRegistry(reg)
	registrar := provider.NewRegistrar(registry)

	locator := &mapLocator{files: map[string]string{"1/results.tsv": testLog}}
	ctx := context.Background()

	// Two caches share the registrar, as independent hosts would.
	first := newTestCache(t, locator, Options{Registrar: registrar})
	second := newTestCache(t, locator, Options{Registrar: registrar})

	first.FailedTestRuns(ctx, newBuild(1))
	second.FailedTestRuns(ctx, newBuild(1))
	first.FailedTestRuns(ctx, newBuild(2))

	// Three tests, two keys each.
	assert.Equal(t, 6, registry.Len())

	p, ok := registrar.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, provider.KindPerformance, p.Kind())

	p, ok = registrar.Lookup("ResponseCode_A")
	require.True(t, ok)
	assert.Equal(t, provider.KindResponseCode, p.Kind())
}

func TestCache_Hooks(t *testing.T) {
	locator := &mapLocator{files: map[string]string{"1/results.tsv": testLog}}

	var (
		calls  int
		gotID  int64
		titles []string
		failed int
	)

	c := newTestCache(t, locator, Options{
		Hooks: []RebuildHook{
			func(buildID int64, p *correlate.Partition, got []string) {
				calls++
				gotID = buildID
				titles = got
				failed = p.Failed.Len()
			},
		},
	})

	ctx := context.Background()
	c.LogColumnTitles(ctx, newBuild(1))
	c.LogColumnTitles(ctx, newBuild(1))

	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), gotID)
	assert.Equal(t, []string{"Time", "Latency", "Label", "Code"}, titles)
	assert.Equal(t, 1, failed)
}

func TestCache_ConcurrentReaders(t *testing.T) {
	files := map[string]string{}
	builds := make([]*countingBuild, 0, 4)

	for id := int64(1); id <= 4; id++ {
		b := newBuild(id)

		// Each build has its own failed test so mixed state is detectable.
		name := fmt.Sprintf("T%d", id)
		b.tests = append(b.tests, testrun.Identity{FullName: name, GroupName: "omega"})
		b.reasons = []correlate.FailureReason{
			{Type: correlate.PerformanceProblemType, TestName: name},
		}
		files[fmt.Sprintf("%d/results.tsv", id)] = fmt.Sprintf("Time\tBuild%d\n100\t1\t%s\t200\n", id, name)

		builds = append(builds, b)
	}

	c := newTestCache(t, &mapLocator{files: files}, Options{})
	ctx := context.Background()

	var g errgroup.Group

	for i := 0; i < 64; i++ {
		build := builds[i%len(builds)]

		g.Go(func() error {
			want := fmt.Sprintf("T%d", build.id)

			failed := c.FailedTestRuns(ctx, build)
			if len(failed) != 1 || failed[0].FullName() != want {
				return fmt.Errorf("build %d: unexpected failed set %v", build.id, fullNames(failed))
			}

			if len(failed[0].Samples()) != 1 {
				return fmt.Errorf("build %d: expected one sample", build.id)
			}

			succeeded := c.SucceededTestRuns(ctx, build)
			if len(succeeded) != 3 {
				return fmt.Errorf("build %d: unexpected succeeded set %v", build.id, fullNames(succeeded))
			}

			titles := c.LogColumnTitles(ctx, build)
			if len(titles) != 2 || titles[1] != fmt.Sprintf("Build%d", build.id) {
				return fmt.Errorf("build %d: unexpected titles %v", build.id, titles)
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())
}

func TestCache_ConcurrentSameBuildRebuildsOnce(t *testing.T) {
	locator := &mapLocator{files: map[string]string{"1/results.tsv": testLog}}
	c := newTestCache(t, locator, Options{})
	build := newBuild(1)

	var g errgroup.Group

	for i := 0; i < 32; i++ {
		g.Go(func() error {
			if _, ok := c.FindTestByName(context.Background(), build, "A"); !ok {
				return errors.New("test A not found")
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), c.RebuildCount())
	assert.Equal(t, int64(1), build.enumerations.Load())
}

// contextLocator fails lookups whose context is already done.
type contextLocator struct {
	mapLocator
}

func (l *contextLocator) Locate(ctx context.Context, buildID int64, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return l.mapLocator.Locate(ctx, buildID, name)
}

func TestCache_CancelledCallerStillIngests(t *testing.T) {
	locator := &contextLocator{mapLocator{files: map[string]string{"1/results.tsv": testLog}}}
	c := newTestCache(t, locator, Options{})
	build := newBuild(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	want := []string{"Time", "Latency", "Label", "Code"}
	assert.Equal(t, want, c.LogColumnTitles(ctx, build))
	assert.Equal(t, want, c.LogColumnTitles(context.Background(), build))
	assert.Equal(t, int64(1), c.RebuildCount())

	a, ok := c.FindTestByName(context.Background(), build, "A")
	require.True(t, ok)
	assert.Len(t, a.Samples(), 2)
}

func TestCache_ResetsProvidersOfAbsentTests(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	registrar := provider.NewRegistrar(provider.NewPrometheusRegistry(reg))

	locator := &mapLocator{files: map[string]string{
		"1/results.tsv": testLog,
		"2/results.tsv": testLog,
	}}
	c := newTestCache(t, locator, Options{Registrar: registrar})
	ctx := context.Background()

	c.FailedTestRuns(ctx, newBuild(1))

	next := newBuild(2)
	next.tests = []testrun.Identity{{FullName: "A", GroupName: "alpha"}}
	c.FailedTestRuns(ctx, next)

	gathered := make(map[string]bool)

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "key" {
					gathered[lp.GetValue()] = true
				}
			}
		}
	}

	assert.Equal(t, map[string]bool{"A": true, "ResponseCode_A": true}, gathered)
}
