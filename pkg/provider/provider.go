package provider

import (
	"strings"
	"sync"

	"github.com/ethpandaops/perfstat/pkg/testrun"
)

// Kind selects which metric family a provider exposes.
type Kind int

const (
	// KindPerformance exposes elapsed time samples of a test.
	KindPerformance Kind = iota
	// KindResponseCode exposes the response code histogram of a test.
	KindResponseCode
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindResponseCode {
		return "response_code"
	}

	return "performance"
}

// KindForKey routes a metric key to its provider kind.
func KindForKey(key string) Kind {
	if strings.Contains(key, testrun.ResponseCodeKeyPrefix) {
		return KindResponseCode
	}

	return KindPerformance
}

// Provider is a registered source of chart data for one metric key.
type Provider interface {
	Key() string
	Kind() Kind
	// Publish replaces the exposed values with the current state of run.
	Publish(run *testrun.TestRun)
	// Reset withdraws the exposed values until the next Publish.
	Reset()
}

// Registry is the host-side store of providers.
type Registry interface {
	// Lookup returns the provider registered for key.
	Lookup(key string) (Provider, bool)
	// Register stores a provider for key, returning the provider that ends
	// up registered (an existing one wins).
	Register(key string) (Provider, error)
}

// Registrar serializes check-then-register against a shared Registry so
// each key is registered once even across independent caches.
type Registrar struct {
	mu       sync.Mutex
	registry Registry
	issued   map[string]Provider
}

// NewRegistrar wraps registry.
func NewRegistrar(registry Registry) *Registrar {
	return &Registrar{
		registry: registry,
		issued:   make(map[string]Provider, 64),
	}
}

// Ensure returns the provider for key, registering it on first use.
func (r *Registrar) Ensure(key string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.registry.Lookup(key); ok {
		r.issued[key] = p

		return p, nil
	}

	p, err := r.registry.Register(key)
	if err != nil {
		return nil, err
	}

	r.issued[key] = p

	return p, nil
}

// ResetExcept resets every provider handed out by Ensure whose key is not
// in keep, so that keys of tests absent from the latest build stop
// exposing values. It returns the number of providers reset.
func (r *Registrar) ResetExcept(keep map[string]struct{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int

	for key, p := range r.issued {
		if _, ok := keep[key]; ok {
			continue
		}

		p.Reset()
		n++
	}

	return n
}

// Lookup returns the provider registered for key.
func (r *Registrar) Lookup(key string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.registry.Lookup(key)
}
