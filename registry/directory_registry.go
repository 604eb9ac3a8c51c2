package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
)

const (
	// BasePath is the root of every irpc node.
	BasePath = "/irpc-metadata"
	// ProvidersPath holds one persistent node per service.
	ProvidersPath = BasePath + "/providers"
)

// ProviderPath returns the service node under which providers of serviceName
// register. A non-empty app adds a namespace level.
func ProviderPath(app, serviceName string) string {
	if app == "" {
		return path.Join(ProvidersPath, serviceName)
	}
	return path.Join(ProvidersPath, app, serviceName)
}

// DirectoryRegistry implements Registry on top of any Directory backend.
type DirectoryRegistry struct {
	dir    Directory
	app    string
	logger *zap.Logger
}

var _ Registry = (*DirectoryRegistry)(nil)

// Option configures a DirectoryRegistry.
type Option func(*DirectoryRegistry)

// WithApplication namespaces the services this registry registers.
func WithApplication(app string) Option {
	return func(r *DirectoryRegistry) {
		r.app = app
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *DirectoryRegistry) {
		r.logger = logger
	}
}

// NewDirectoryRegistry builds a registry over dir. The registry owns dir and closes it on Close.
func NewDirectoryRegistry(dir Directory, opts ...Option) *DirectoryRegistry {
	r := &DirectoryRegistry{
		dir:    dir,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the persistent service node if it is missing, then the
// ephemeral endpoint node under it.
func (r *DirectoryRegistry) Register(ctx context.Context, serviceName string, ep Endpoint) error {
	parent := ProviderPath(r.app, serviceName)
	if err := r.ensurePath(ctx, parent); err != nil {
		return fmt.Errorf("register %s: %w", serviceName, err)
	}

	node := path.Join(parent, ep.String())
	exists, err := r.dir.Exists(ctx, node)
	if err != nil {
		return fmt.Errorf("register %s at %s: %w", serviceName, ep, err)
	}
	if !exists {
		err = r.dir.CreateNode(ctx, node, nil, Ephemeral)
		if err != nil && !errors.Is(err, ErrNodeExists) {
			return fmt.Errorf("register %s at %s: %w", serviceName, ep, err)
		}
	}

	r.logger.Info("service registered",
		zap.String("service", serviceName),
		zap.Stringer("endpoint", ep),
		zap.String("node", node))
	return nil
}

// ensurePath creates every missing persistent node on the way to p.
// Each node is existence-checked before creation; losing a creation race is fine.
func (r *DirectoryRegistry) ensurePath(ctx context.Context, p string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		cur += "/" + part
		exists, err := r.dir.Exists(ctx, cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := r.dir.CreateNode(ctx, cur, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}

func (r *DirectoryRegistry) Deregister(ctx context.Context, serviceName string, ep Endpoint) error {
	node := path.Join(ProviderPath(r.app, serviceName), ep.String())
	if err := r.dir.Delete(ctx, node); err != nil && !errors.Is(err, ErrNoNode) {
		return fmt.Errorf("deregister %s at %s: %w", serviceName, ep, err)
	}
	r.logger.Info("service deregistered", zap.String("service", serviceName), zap.Stringer("endpoint", ep))
	return nil
}

// Discover lists the ephemeral children of the service node. Zero children is
// a failure, never an empty result.
func (r *DirectoryRegistry) Discover(ctx context.Context, appName, serviceName string) ([]Endpoint, error) {
	children, err := r.dir.Children(ctx, ProviderPath(appName, serviceName))
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			return nil, fmt.Errorf("%w: service %s is not registered", ErrDiscovery, serviceName)
		}
		return nil, fmt.Errorf("%w: service %s: %v", ErrDiscovery, serviceName, err)
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: no providers for service %s", ErrDiscovery, serviceName)
	}

	endpoints := make([]Endpoint, 0, len(children))
	for _, child := range children {
		ep, err := ParseEndpoint(child)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch emits parsed provider sets. Unlike Discover, an empty set is delivered
// as is and malformed children are skipped.
func (r *DirectoryRegistry) Watch(ctx context.Context, appName, serviceName string) (<-chan []Endpoint, error) {
	parent := ProviderPath(appName, serviceName)
	if err := r.ensurePath(ctx, parent); err != nil {
		return nil, fmt.Errorf("watch %s: %w", serviceName, err)
	}
	childCh, err := r.dir.WatchChildren(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", serviceName, err)
	}

	out := make(chan []Endpoint, 1)
	go func() {
		defer close(out)
		for children := range childCh {
			endpoints := make([]Endpoint, 0, len(children))
			for _, child := range children {
				ep, err := ParseEndpoint(child)
				if err != nil {
					r.logger.Warn("skipping provider entry", zap.String("service", serviceName), zap.Error(err))
					continue
				}
				endpoints = append(endpoints, ep)
			}
			select {
			case out <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *DirectoryRegistry) Close() error {
	return r.dir.Close()
}
