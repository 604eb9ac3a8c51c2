package loadbalance

import (
	"context"
	"math/rand"

	"irpc/registry"
)

// Random picks a uniformly random endpoint per call.
type Random struct{}

func (Random) Name() string {
	return "random"
}

func (Random) NewSelector(endpoints []registry.Endpoint) Selector {
	return &randomSelector{endpoints: copyEndpoints(endpoints)}
}

type randomSelector struct {
	endpoints []registry.Endpoint
}

func (s *randomSelector) Select(context.Context) (registry.Endpoint, error) {
	if len(s.endpoints) == 0 {
		return registry.Endpoint{}, ErrNoAvailableEndpoint
	}
	return s.endpoints[rand.Intn(len(s.endpoints))], nil
}

func (s *randomSelector) Endpoints() []registry.Endpoint {
	return copyEndpoints(s.endpoints)
}
