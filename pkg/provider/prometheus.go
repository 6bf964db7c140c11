package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethpandaops/perfstat/pkg/testrun"
)

const (
	metricPrefix = "perfstat_"

	samplesName       = metricPrefix + "test_samples"
	elapsedSumName    = metricPrefix + "test_elapsed_sum"
	responseCodesName = metricPrefix + "test_response_codes"
)

// PrometheusRegistry is a Registry whose providers are Prometheus collectors.
type PrometheusRegistry struct {
	registerer prometheus.Registerer

	mu        sync.RWMutex
	providers map[string]*collector
}

// Compile-time interface check.
var _ Registry = (*PrometheusRegistry)(nil)

// NewPrometheusRegistry creates a registry that registers its providers
// with registerer.
func NewPrometheusRegistry(registerer prometheus.Registerer) *PrometheusRegistry {
	return &PrometheusRegistry{
		registerer: registerer,
		providers:  make(map[string]*collector, 64),
	}
}

// Lookup returns the provider registered for key.
func (r *PrometheusRegistry) Lookup(key string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[key]
	if !ok {
		return nil, false
	}

	return p, true
}

// Register creates the provider for key and registers its collector.
func (r *PrometheusRegistry) Register(key string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[key]; ok {
		return p, nil
	}

	c := newCollector(key)

	if err := r.registerer.Register(c); err != nil {
		return nil, fmt.Errorf("registering provider %q: %w", key, err)
	}

	r.providers[key] = c

	return c, nil
}

// Len returns the number of registered providers.
func (r *PrometheusRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.providers)
}

type collector struct {
	key  string
	kind Kind

	samplesDesc       *prometheus.Desc
	elapsedSumDesc    *prometheus.Desc
	responseCodesDesc *prometheus.Desc

	mu         sync.RWMutex
	published  bool
	samples    int
	elapsedSum float64
	codes      map[string]int
}

// Compile-time interface checks.
var (
	_ Provider             = (*collector)(nil)
	_ prometheus.Collector = (*collector)(nil)
)

func newCollector(key string) *collector {
	labels := prometheus.Labels{"key": key}

	return &collector{
		key:  key,
		kind: KindForKey(key),
		samplesDesc: prometheus.NewDesc(samplesName,
			"Number of elapsed time samples recorded for a test in the cached build",
			nil, labels),
		elapsedSumDesc: prometheus.NewDesc(elapsedSumName,
			"Sum of elapsed time samples recorded for a test in the cached build",
			nil, labels),
		responseCodesDesc: prometheus.NewDesc(responseCodesName,
			"Occurrences of each response code recorded for a test in the cached build",
			[]string{"code"}, labels),
		codes: make(map[string]int),
	}
}

func (c *collector) Key() string { return c.key }

func (c *collector) Kind() Kind { return c.kind }

// Publish snapshots the values relevant to the provider kind.
func (c *collector) Publish(run *testrun.TestRun) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.published = true

	if c.kind == KindResponseCode {
		c.codes = run.ResponseCodes()

		return
	}

	samples := run.Samples()

	var sum float64
	for _, s := range samples {
		sum += s.Elapsed
	}

	c.samples = len(samples)
	c.elapsedSum = sum
}

// Reset drops the published values; Collect emits nothing until the next
// Publish.
func (c *collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.published = false
	c.samples = 0
	c.elapsedSum = 0
	c.codes = make(map[string]int)
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	if c.kind == KindResponseCode {
		ch <- c.responseCodesDesc

		return
	}

	ch <- c.samplesDesc
	ch <- c.elapsedSumDesc
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.published {
		return
	}

	if c.kind == KindResponseCode {
		desc := c.responseCodesDesc

		codes := make([]string, 0, len(c.codes))
		for code := range c.codes {
			codes = append(codes, code)
		}

		sort.Strings(codes)

		for _, code := range codes {
			ch <- prometheus.MustNewConstMetric(
				desc, prometheus.GaugeValue, float64(c.codes[code]), code,
			)
		}

		return
	}

	ch <- prometheus.MustNewConstMetric(
		c.samplesDesc, prometheus.GaugeValue, float64(c.samples),
	)
	ch <- prometheus.MustNewConstMetric(
		c.elapsedSumDesc, prometheus.GaugeValue, c.elapsedSum,
	)
}
