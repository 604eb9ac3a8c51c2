// Package registry maps a logical service name to the set of provider endpoints
// currently serving it.
//
// Providers publish themselves as ephemeral children of a persistent service
// node in a directory backend (etcd, ZooKeeper or an in-memory directory):
//
//	/irpc-metadata/providers/{service}/{ip:port}
//
// An ephemeral child lives only as long as the registering process's session, so
// a provider that dies without deregistering eventually disappears from Discover.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrDiscovery is returned when a service has no usable providers: the
	// directory is unreachable, the service was never registered, or an entry is malformed.
	ErrDiscovery = errors.New("registry: discovery failed")

	// ErrNodeExists is returned by Directory.CreateNode for an existing path.
	ErrNodeExists = errors.New("registry: node already exists")

	// ErrNoNode is returned by Directory operations on a missing path.
	ErrNoNode = errors.New("registry: node does not exist")
)

// Endpoint is the network address of one provider instance.
type Endpoint struct {
	Host string
	Port int
}

// String renders the endpoint in the "<ip>:<port>" form used as directory child name.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses a "<ip>:<port>" directory entry.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return Endpoint{}, fmt.Errorf("%w: malformed provider entry %q", ErrDiscovery, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: malformed provider port in %q", ErrDiscovery, s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Registry is the service directory seen by providers and consumers.
type Registry interface {
	// Register publishes ep as a provider of serviceName. Re-registering is a no-op.
	Register(ctx context.Context, serviceName string, ep Endpoint) error
	// Deregister removes ep from serviceName. Removing an unknown endpoint is not an error.
	Deregister(ctx context.Context, serviceName string, ep Endpoint) error
	// Discover returns the live providers of serviceName, or ErrDiscovery if there are none.
	Discover(ctx context.Context, appName, serviceName string) ([]Endpoint, error)
	// Watch emits the provider set of serviceName now and after every change until ctx is done.
	Watch(ctx context.Context, appName, serviceName string) (<-chan []Endpoint, error)
	Close() error
}

// CreateMode tells a Directory how long a node lives.
type CreateMode int

const (
	// Persistent nodes survive the session that created them.
	Persistent CreateMode = iota
	// Ephemeral nodes are removed by the backend once the creating session ends.
	Ephemeral
)

func (m CreateMode) String() string {
	if m == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

// Directory is the hierarchical coordination backend a DirectoryRegistry is built on.
// Paths are slash-separated and absolute.
type Directory interface {
	Exists(ctx context.Context, path string) (bool, error)
	// CreateNode returns ErrNodeExists if path is already present and ErrNoNode
	// if its parent is missing.
	CreateNode(ctx context.Context, path string, data []byte, mode CreateMode) error
	// Children returns the sorted names of the direct children of path.
	Children(ctx context.Context, path string) ([]string, error)
	// WatchChildren emits the children of path immediately and after every
	// change. The channel is closed once ctx is done or the directory is closed.
	WatchChildren(ctx context.Context, path string) (<-chan []string, error)
	Delete(ctx context.Context, path string) error
	Close() error
}

var (
	errSessionClosed   = errors.New("registry: session closed")
	errEphemeralParent = errors.New("registry: ephemeral nodes cannot have children")
	errNotEmpty        = errors.New("registry: node has children")
)
