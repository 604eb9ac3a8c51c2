package client

import (
	"context"
	"fmt"

	"irpc/heartbeat"
	"irpc/registry"

	"go.uber.org/zap"
)

// Watcher streams provider sets. registry.Registry satisfies it.
type Watcher interface {
	Watch(ctx context.Context, appName, serviceName string) (<-chan []registry.Endpoint, error)
}

// Registry is what a Reference needs from registry.Registry.
type Registry interface {
	Watcher
	heartbeat.Discoverer
}

// LoadBalancer is what a Reference needs from loadbalance.LoadBalancer.
type LoadBalancer interface {
	Balancer
	heartbeat.Balancer
	Invalidate(serviceName string)
}

// Reference is a consumer handle for one remote service. It keeps the load
// balancer's candidate set in step with the registry and with liveness probes
// until Close.
type Reference struct {
	service  string
	client   *Client
	lb       LoadBalancer
	detector *heartbeat.Detector
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// ReferenceOption configures a Reference.
type ReferenceOption func(*referenceOptions)

type referenceOptions struct {
	heartbeat heartbeat.Config
}

// WithHeartbeat overrides heartbeat.DefaultConfig for the reference's detector.
func WithHeartbeat(cfg heartbeat.Config) ReferenceOption {
	return func(o *referenceOptions) { o.heartbeat = cfg }
}

// NewReference starts watching serviceName and probing its providers. The
// client must have been built over lb.
func NewReference(serviceName string, c *Client, reg Registry, lb LoadBalancer, opts ...ReferenceOption) (*Reference, error) {
	o := referenceOptions{heartbeat: heartbeat.DefaultConfig}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := reg.Watch(ctx, c.app, serviceName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("reference %s: %w", serviceName, err)
	}

	logger := c.logger.With(zap.String("service", serviceName))
	r := &Reference{
		service: serviceName,
		client:  c,
		lb:      lb,
		detector: heartbeat.New(c.app, serviceName, reg, c.transport, lb,
			heartbeat.WithConfig(o.heartbeat), heartbeat.WithLogger(c.logger)),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.watch(ctx, updates)
	r.detector.Start()
	return r, nil
}

func (r *Reference) watch(ctx context.Context, updates <-chan []registry.Endpoint) {
	defer close(r.done)
	for endpoints := range updates {
		r.logger.Debug("provider set changed", zap.Int("providers", len(endpoints)))
		r.detector.Observe(endpoints)
	}
	if ctx.Err() == nil {
		// Without a watch the cached set can go stale; fall back to discovery.
		r.logger.Warn("registry watch ended")
		r.lb.Invalidate(r.service)
	}
}

// Call invokes method on the referenced service.
func (r *Reference) Call(ctx context.Context, method string, args, reply any) error {
	return r.client.Call(ctx, r.service+"."+method, args, reply)
}

// Service returns the referenced service name.
func (r *Reference) Service() string {
	return r.service
}

// Records exposes the liveness records of the service's providers.
func (r *Reference) Records() []heartbeat.Record {
	return r.detector.Records()
}

// Close stops the watch and the heartbeat detector. The client and its
// transport stay open.
func (r *Reference) Close() error {
	r.cancel()
	<-r.done
	r.detector.Stop()
	return nil
}
