// Package heartbeat keeps a client's view of a service limited to providers
// that answer liveness probes.
//
// A Detector probes every provider of one service on its own schedule, away
// from the call path. A provider that fails FailureThreshold probes in a row is
// taken out of the load balancer's candidate set; one successful probe brings
// it back.
package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"irpc/loadbalance"
	"irpc/registry"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Prober sends one liveness probe. transport.Transport satisfies it.
type Prober interface {
	Probe(ctx context.Context, ep registry.Endpoint) error
}

// Discoverer lists the providers of a service. registry.Registry satisfies it.
type Discoverer interface {
	Discover(ctx context.Context, appName, serviceName string) ([]registry.Endpoint, error)
}

// Balancer is the part of loadbalance.LoadBalancer the detector drives.
type Balancer interface {
	Reload(serviceName string, endpoints []registry.Endpoint)
	Endpoints(serviceName string) ([]registry.Endpoint, bool)
	SetFilter(serviceName string, f loadbalance.Filter)
}

// Record is the liveness history of one endpoint.
type Record struct {
	Endpoint            registry.Endpoint
	LastSuccess         time.Time
	ConsecutiveFailures int
}

// Config controls the probe loop.
type Config struct {
	Interval         time.Duration
	FailureThreshold int
	ProbeTimeout     time.Duration
}

// DefaultConfig probes every 2s and drops an endpoint after 3 failures.
var DefaultConfig = Config{
	Interval:         2 * time.Second,
	FailureThreshold: 3,
	ProbeTimeout:     time.Second,
}

// Detector tracks liveness for one service on behalf of one client.
type Detector struct {
	app        string
	service    string
	cfg        Config
	discoverer Discoverer
	prober     Prober
	balancer   Balancer
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	records map[registry.Endpoint]*Record
	known   []registry.Endpoint
	// dead mirrors the endpoints at or past the threshold for readers that cannot take mu.
	dead atomic.Pointer[map[registry.Endpoint]struct{}]

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Detector.
type Option func(*Detector)

// WithConfig overrides DefaultConfig. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(d *Detector) {
		if cfg.Interval > 0 {
			d.cfg.Interval = cfg.Interval
		}
		if cfg.FailureThreshold > 0 {
			d.cfg.FailureThreshold = cfg.FailureThreshold
		}
		if cfg.ProbeTimeout > 0 {
			d.cfg.ProbeTimeout = cfg.ProbeTimeout
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// New builds a stopped detector for serviceName. It installs a filter on
// balancer so a rediscovered provider set never brings back a dead endpoint.
func New(app, serviceName string, discoverer Discoverer, prober Prober, balancer Balancer, opts ...Option) *Detector {
	d := &Detector{
		app:        app,
		service:    serviceName,
		cfg:        DefaultConfig,
		discoverer: discoverer,
		prober:     prober,
		balancer:   balancer,
		logger:     zap.NewNop(),
		now:        time.Now,
		records:    make(map[registry.Endpoint]*Record),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("service", serviceName))
	balancer.SetFilter(serviceName, d.excludeDead)
	return d
}

// Start launches the probe loop. Calling it again, or after Stop, does nothing.
func (d *Detector) Start() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.loop(ctx)
}

// Stop ends the loop and waits for the round in flight, which is cut short by
// cancelling its probes. It removes the balancer filter and is safe to call more than once.
func (d *Detector) Stop() {
	d.lifecycle.Lock()
	if d.stopped {
		d.lifecycle.Unlock()
		return
	}
	d.stopped = true
	started := d.started
	if started {
		d.cancel()
	}
	d.lifecycle.Unlock()
	if started {
		<-d.done
	}
	d.balancer.SetFilter(d.service, nil)
}

func (d *Detector) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.round(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// round refreshes the provider set, probes every provider once and pushes the
// resulting live set to the balancer if it changed.
func (d *Detector) round(ctx context.Context) {
	endpoints, err := d.discoverer.Discover(ctx, d.app, d.service)
	if ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	if err != nil {
		d.logger.Warn("heartbeat discovery failed, probing last known providers", zap.Error(err))
		endpoints = append([]registry.Endpoint(nil), d.known...)
	} else {
		d.setKnownLocked(endpoints)
	}
	d.mu.Unlock()
	if len(endpoints) == 0 {
		return
	}

	results := d.probeAll(ctx, endpoints)
	if ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for ep, probeErr := range results {
		rec, ok := d.records[ep]
		if !ok {
			// Dropped from the provider set while being probed.
			continue
		}
		if probeErr == nil {
			if rec.ConsecutiveFailures >= d.cfg.FailureThreshold {
				d.logger.Info("endpoint recovered", zap.Stringer("endpoint", ep))
			}
			rec.ConsecutiveFailures = 0
			rec.LastSuccess = d.now()
			continue
		}
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures == d.cfg.FailureThreshold {
			d.logger.Warn("endpoint removed after failed probes",
				zap.Stringer("endpoint", ep),
				zap.Int("failures", rec.ConsecutiveFailures),
				zap.Error(probeErr))
		} else {
			d.logger.Debug("probe failed", zap.Stringer("endpoint", ep), zap.Error(probeErr))
		}
	}
	d.publishLocked()
}

// probeAll probes endpoints concurrently. A panicking prober counts as a failed probe.
func (d *Detector) probeAll(ctx context.Context, endpoints []registry.Endpoint) map[registry.Endpoint]error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[registry.Endpoint]error, len(endpoints))
	)
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep registry.Endpoint) {
			defer wg.Done()
			err := d.probe(ctx, ep)
			mu.Lock()
			results[ep] = err
			mu.Unlock()
		}(ep)
	}
	wg.Wait()
	return results
}

func (d *Detector) probe(ctx context.Context, ep registry.Endpoint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()
	return d.prober.Probe(pctx, ep)
}

// Observe replaces the provider set, e.g. from a registry watch, and reloads
// the balancer with the members of endpoints that are not known to be dead.
func (d *Detector) Observe(endpoints []registry.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setKnownLocked(endpoints)
	d.publishLocked()
}

func (d *Detector) setKnownLocked(endpoints []registry.Endpoint) {
	d.known = append(d.known[:0], endpoints...)
	current := make(map[registry.Endpoint]bool, len(endpoints))
	for _, ep := range endpoints {
		current[ep] = true
		if _, ok := d.records[ep]; !ok {
			d.records[ep] = &Record{Endpoint: ep}
		}
	}
	for ep := range d.records {
		if !current[ep] {
			delete(d.records, ep)
		}
	}
}

// publishLocked reloads the balancer when its candidate set differs from the live set.
func (d *Detector) publishLocked() {
	dead := make(map[registry.Endpoint]struct{})
	for ep, rec := range d.records {
		if rec.ConsecutiveFailures >= d.cfg.FailureThreshold {
			dead[ep] = struct{}{}
		}
	}
	d.dead.Store(&dead)

	live := d.liveLocked()
	cached, ok := d.balancer.Endpoints(d.service)
	if !ok && len(live) == 0 {
		// Leave the miss to discovery so an unknown service still reports ErrDiscovery.
		return
	}
	if ok && sameEndpoints(cached, live) {
		return
	}
	d.balancer.Reload(d.service, live)
}

func (d *Detector) liveLocked() []registry.Endpoint {
	live := make([]registry.Endpoint, 0, len(d.known))
	for _, ep := range d.known {
		if rec := d.records[ep]; rec == nil || rec.ConsecutiveFailures < d.cfg.FailureThreshold {
			live = append(live, ep)
		}
	}
	return live
}

// excludeDead is the balancer filter. The balancer calls it under its own
// lock while the detector holds mu around Reload, so it only reads d.dead.
func (d *Detector) excludeDead(endpoints []registry.Endpoint) []registry.Endpoint {
	dead := d.dead.Load()
	if dead == nil || len(*dead) == 0 {
		return endpoints
	}
	out := make([]registry.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if _, ok := (*dead)[ep]; !ok {
			out = append(out, ep)
		}
	}
	return out
}

// Live returns the providers currently considered alive.
func (d *Detector) Live() []registry.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveLocked()
}

// Records returns a copy of every endpoint's liveness record, ordered by address.
func (d *Detector) Records() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Endpoint.String() < out[j].Endpoint.String()
	})
	return out
}

func sameEndpoints(a, b []registry.Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[registry.Endpoint]int, len(a))
	for _, ep := range a {
		seen[ep]++
	}
	for _, ep := range b {
		if seen[ep] == 0 {
			return false
		}
		seen[ep]--
	}
	return true
}
