package loadbalance

import (
	"context"
	"irpc/registry"

	"go.uber.org/atomic"
)

// RoundRobin hands out endpoints in order.
type RoundRobin struct{}

func (RoundRobin) Name() string {
	return "round_robin"
}

func (RoundRobin) NewSelector(endpoints []registry.Endpoint) Selector {
	return &roundRobinSelector{endpoints: copyEndpoints(endpoints)}
}

// roundRobinSelector uses an atomic counter for lock-free rotation.
type roundRobinSelector struct {
	endpoints []registry.Endpoint
	counter   atomic.Uint64
}

func (s *roundRobinSelector) Select(context.Context) (registry.Endpoint, error) {
	if len(s.endpoints) == 0 {
		return registry.Endpoint{}, ErrNoAvailableEndpoint
	}
	i := s.counter.Inc() - 1
	return s.endpoints[i%uint64(len(s.endpoints))], nil
}

func (s *roundRobinSelector) Endpoints() []registry.Endpoint {
	return copyEndpoints(s.endpoints)
}
