// Package bootstrap wires the irpc components of one process from a
// config.Config: registry backend, load balancer, transport, client, rate
// limiter and logger. Servers and references are created through it so that
// they share those components and are closed together.
package bootstrap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"irpc/client"
	"irpc/codec"
	"irpc/config"
	"irpc/heartbeat"
	"irpc/limiter"
	"irpc/loadbalance"
	"irpc/logger"
	"irpc/middleware"
	"irpc/registry"
	"irpc/server"
	"irpc/transport"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Bootstrap struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *registry.DirectoryRegistry
	balancer  *loadbalance.LoadBalancer
	transport *transport.TCPTransport
	client    *client.Client

	mu      sync.Mutex
	refs    []*client.Reference
	servers []*server.Server
	closed  bool
}

// Option configures a Bootstrap.
type Option func(*options)

type options struct {
	logger *zap.Logger
	store  *registry.MemoryStore
}

// WithLogger replaces the logger built from cfg.Log.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMemoryStore shares store between bootstraps using the memory backend,
// so providers and consumers in one process see each other.
func WithMemoryStore(store *registry.MemoryStore) Option {
	return func(o *options) { o.store = store }
}

// New validates cfg and connects to the registry.
func New(cfg *config.Config, opts ...Option) (*Bootstrap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l, err := logger.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		o.logger = l
	}

	dir, err := newDirectory(cfg.Registry, o)
	if err != nil {
		return nil, err
	}
	policy, err := newPolicy(cfg.LoadBalance)
	if err != nil {
		dir.Close()
		return nil, err
	}

	reg := registry.NewDirectoryRegistry(dir,
		registry.WithApplication(cfg.Application),
		registry.WithLogger(o.logger))
	balancer := loadbalance.New(policy, reg, loadbalance.WithLogger(o.logger))
	tr := transport.NewTCPTransport(
		transport.WithCodec(codec.ParseCodecType(cfg.Codec)),
		transport.WithPoolSize(cfg.Transport.PoolSize),
		transport.WithDialTimeout(cfg.Transport.DialTimeout),
		transport.WithLogger(o.logger))
	c := client.New(balancer, tr,
		client.WithApplication(cfg.Application),
		client.WithRetryPolicy(client.RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, BaseDelay: cfg.Retry.BaseDelay}),
		client.WithRequestTimeout(cfg.Transport.RequestTimeout),
		client.WithLogger(o.logger))

	o.logger.Info("irpc bootstrapped",
		zap.String("application", cfg.Application),
		zap.String("registry", cfg.Registry.Backend),
		zap.String("policy", policy.Name()))
	return &Bootstrap{
		cfg:       cfg,
		logger:    o.logger,
		registry:  reg,
		balancer:  balancer,
		transport: tr,
		client:    c,
	}, nil
}

func newDirectory(cfg config.Registry, o options) (registry.Directory, error) {
	switch cfg.Backend {
	case config.BackendEtcd:
		return registry.NewEtcdDirectory(cfg.Endpoints,
			registry.EtcdDialTimeout(cfg.DialTimeout),
			registry.EtcdSessionTTL(ttlSeconds(cfg.SessionTimeout)),
			registry.EtcdLogger(o.logger))
	case config.BackendZooKeeper:
		return registry.NewZooKeeperDirectory(cfg.Endpoints, cfg.SessionTimeout, o.logger)
	case config.BackendMemory:
		if o.store == nil {
			return registry.NewMemoryDirectory(), nil
		}
		return o.store.Session(), nil
	}
	return nil, fmt.Errorf("bootstrap: unknown registry backend %q", cfg.Backend)
}

func ttlSeconds(d time.Duration) int64 {
	if s := int64(d / time.Second); s > 0 {
		return s
	}
	return 1
}

func newPolicy(cfg config.LoadBalance) (loadbalance.Policy, error) {
	policy, err := loadbalance.PolicyByName(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if _, ok := policy.(loadbalance.ConsistentHash); ok && cfg.Replicas > 0 {
		policy = loadbalance.ConsistentHash{Replicas: cfg.Replicas}
	}
	return policy, nil
}

func (b *Bootstrap) Config() *config.Config                  { return b.cfg }
func (b *Bootstrap) Logger() *zap.Logger                     { return b.logger }
func (b *Bootstrap) Registry() registry.Registry             { return b.registry }
func (b *Bootstrap) LoadBalancer() *loadbalance.LoadBalancer { return b.balancer }
func (b *Bootstrap) Client() *client.Client                  { return b.client }

// NewServer returns a server publishing to the bootstrap's registry, with
// request logging and, when configured, rate limiting and a handler timeout.
func (b *Bootstrap) NewServer() (*server.Server, error) {
	opts := []server.Option{server.WithRegistry(b.registry), server.WithLogger(b.logger)}
	if rl := b.cfg.RateLimit; rl.Enabled {
		l, err := limiter.New(limiter.Config{
			Kind:      limiter.Kind(rl.Kind),
			Capacity:  rl.Capacity,
			Interval:  rl.Interval,
			PerSecond: rl.PerSecond,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithRateLimiter(l))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware(b.logger))
	if d := b.cfg.Server.HandlerTimeout; d > 0 {
		svr.Use(middleware.TimeOutMiddleware(d))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	b.servers = append(b.servers, svr)
	return svr, nil
}

// Serve listens on cfg.Server.Listen and serves svr until it is shut down.
func (b *Bootstrap) Serve(svr *server.Server) error {
	addr, err := svr.Listen("tcp", b.cfg.Server.Listen)
	if err != nil {
		return err
	}
	b.logger.Info("provider listening", zap.Stringer("addr", addr))
	return svr.Serve(b.cfg.Server.Advertise)
}

// NewReference returns a consumer handle for serviceName, probing its
// providers with the configured heartbeat.
func (b *Bootstrap) NewReference(serviceName string) (*client.Reference, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	hb := b.cfg.Heartbeat
	ref, err := client.NewReference(serviceName, b.client, b.registry, b.balancer,
		client.WithHeartbeat(heartbeat.Config{
			Interval:         hb.Interval,
			FailureThreshold: hb.FailureThreshold,
			ProbeTimeout:     hb.ProbeTimeout,
		}))
	if err != nil {
		return nil, err
	}
	b.refs = append(b.refs, ref)
	return ref, nil
}

var errClosed = errors.New("bootstrap: closed")

// Close shuts down servers (deregistering them), stops references and closes
// the transport and the registry session.
func (b *Bootstrap) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	servers, refs := b.servers, b.refs
	b.mu.Unlock()

	var errs error
	for _, svr := range servers {
		errs = multierr.Append(errs, svr.Shutdown(b.cfg.Server.ShutdownTimeout))
	}
	for _, ref := range refs {
		errs = multierr.Append(errs, ref.Close())
	}
	errs = multierr.Append(errs, b.transport.Close())
	errs = multierr.Append(errs, b.registry.Close())
	_ = b.logger.Sync()
	return errs
}
