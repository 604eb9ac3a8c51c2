package loadbalance

import (
	"context"
	"sync"

	"irpc/registry"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Discoverer resolves a service to its provider endpoints. registry.Registry satisfies it.
type Discoverer interface {
	Discover(ctx context.Context, appName, serviceName string) ([]registry.Endpoint, error)
}

// LoadBalancer caches one Selector per service name.
//
// Each service gets a cache entry holding an atomically swapped Selector
// pointer, so SelectEndpoint never sees a half-built selector and needs no lock
// on a hit. The entry mutex serializes the miss path and Reload for that
// service only; other services are never blocked.
type LoadBalancer struct {
	policy     Policy
	discoverer Discoverer
	logger     *zap.Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu       sync.Mutex
	selector atomic.Pointer[Selector]
	filter   atomic.Pointer[Filter]
}

// Filter narrows a freshly discovered provider set before a selector is built over it.
// It runs with the service's cache entry locked and must not call back into the LoadBalancer.
type Filter func(endpoints []registry.Endpoint) []registry.Endpoint

// Option configures a LoadBalancer.
type Option func(*LoadBalancer)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(lb *LoadBalancer) {
		lb.logger = logger
	}
}

func New(policy Policy, discoverer Discoverer, opts ...Option) *LoadBalancer {
	lb := &LoadBalancer{
		policy:     policy,
		discoverer: discoverer,
		logger:     zap.NewNop(),
		entries:    make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(lb)
	}
	return lb
}

// SelectEndpoint picks an endpoint for serviceName, discovering the provider
// set on the first call. Discovery errors are returned as is and nothing is cached.
func (lb *LoadBalancer) SelectEndpoint(ctx context.Context, appName, serviceName string) (registry.Endpoint, error) {
	e := lb.entry(serviceName)
	if s := e.selector.Load(); s != nil {
		return (*s).Select(ctx)
	}

	e.mu.Lock()
	s := e.selector.Load()
	if s == nil {
		endpoints, err := lb.discoverer.Discover(ctx, appName, serviceName)
		if err != nil {
			e.mu.Unlock()
			return registry.Endpoint{}, err
		}
		if f := e.filter.Load(); f != nil {
			endpoints = (*f)(endpoints)
		}
		sel := lb.policy.NewSelector(endpoints)
		s = &sel
		e.selector.Store(s)
		lb.logger.Debug("selector created",
			zap.String("service", serviceName),
			zap.String("policy", lb.policy.Name()),
			zap.Int("endpoints", len(endpoints)))
	}
	e.mu.Unlock()

	return (*s).Select(ctx)
}

// Reload replaces the selector of serviceName with one built over endpoints.
// The old selector is never modified; concurrent reloads are last writer wins.
func (lb *LoadBalancer) Reload(serviceName string, endpoints []registry.Endpoint) {
	sel := lb.policy.NewSelector(endpoints)
	e := lb.entry(serviceName)
	e.mu.Lock()
	e.selector.Store(&sel)
	e.mu.Unlock()
	lb.logger.Info("selector reloaded", zap.String("service", serviceName), zap.Int("endpoints", len(endpoints)))
}

// Invalidate drops the cached selector so the next call rediscovers.
func (lb *LoadBalancer) Invalidate(serviceName string) {
	lb.mu.Lock()
	e, ok := lb.entries[serviceName]
	lb.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.selector.Store(nil)
	e.mu.Unlock()
}

// SetFilter installs f for serviceName; every later discovery of that service
// passes through it. A nil f removes the filter. Reload is not filtered.
func (lb *LoadBalancer) SetFilter(serviceName string, f Filter) {
	e := lb.entry(serviceName)
	if f == nil {
		e.filter.Store(nil)
		return
	}
	e.filter.Store(&f)
}

// Endpoints returns the cached candidate set of serviceName, if any.
func (lb *LoadBalancer) Endpoints(serviceName string) ([]registry.Endpoint, bool) {
	lb.mu.RLock()
	e, ok := lb.entries[serviceName]
	lb.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s := e.selector.Load()
	if s == nil {
		return nil, false
	}
	return (*s).Endpoints(), true
}

func (lb *LoadBalancer) entry(serviceName string) *cacheEntry {
	lb.mu.RLock()
	e, ok := lb.entries[serviceName]
	lb.mu.RUnlock()
	if ok {
		return e
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if e, ok = lb.entries[serviceName]; !ok {
		e = &cacheEntry{}
		lb.entries[serviceName] = e
	}
	return e
}
