// Package loadbalance picks one provider endpoint per call.
//
// A Policy turns a candidate set into a Selector, an immutable snapshot plus
// whatever state the policy needs (rotation counter, hash ring). The
// LoadBalancer caches one Selector per service and swaps it wholesale when the
// candidate set changes.
//
// Three policies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - Random:          uniform spread without shared counters
//   - ConsistentHash:  stateful services requiring key affinity
package loadbalance

import (
	"context"
	"errors"
	"fmt"

	"irpc/registry"
)

// ErrNoAvailableEndpoint is returned by a Selector whose candidate set is empty.
var ErrNoAvailableEndpoint = errors.New("loadbalance: no available endpoint")

// Selector picks one endpoint from a fixed snapshot. It must be goroutine-safe.
type Selector interface {
	Select(ctx context.Context) (registry.Endpoint, error)
	// Endpoints returns a copy of the snapshot.
	Endpoints() []registry.Endpoint
}

// Policy builds selectors over candidate sets.
type Policy interface {
	Name() string
	// NewSelector must copy endpoints; the caller may reuse the slice.
	NewSelector(endpoints []registry.Endpoint) Selector
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "round_robin":
		return RoundRobin{}, nil
	case "random":
		return Random{}, nil
	case "consistent_hash":
		return ConsistentHash{Replicas: DefaultReplicas}, nil
	}
	return nil, fmt.Errorf("loadbalance: unknown policy %q", name)
}

type routingKey struct{}

// WithRoutingKey attaches the key consistent hashing routes on.
func WithRoutingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKey{}, key)
}

// RoutingKey returns the key set by WithRoutingKey.
func RoutingKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(routingKey{}).(string)
	return key, ok
}

func copyEndpoints(endpoints []registry.Endpoint) []registry.Endpoint {
	return append([]registry.Endpoint(nil), endpoints...)
}
