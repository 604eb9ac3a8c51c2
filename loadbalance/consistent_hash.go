package loadbalance

import (
	"context"
	"fmt"
	"hash/crc32"
	"irpc/registry"
	"sort"
	"strconv"

	"go.uber.org/atomic"
)

// DefaultReplicas is the number of virtual nodes per endpoint.
const DefaultReplicas = 100

// ConsistentHash maps a routing key to an endpoint using a hash ring, so the
// same key keeps hitting the same endpoint until the ring changes.
//
// Each endpoint is placed on the ring Replicas times, hashed from "{addr}#{i}".
// Without virtual nodes a few endpoints tend to cluster on the ring.
//
//	         0
//	       ╱   ╲
//	B ●               ● A
//	  │    key ◆──►   │   (clockwise to nearest node → A)
//	C ●               ● A'
//	       ╲   ╱
type ConsistentHash struct {
	Replicas int
}

func (ConsistentHash) Name() string {
	return "consistent_hash"
}

func (p ConsistentHash) NewSelector(endpoints []registry.Endpoint) Selector {
	replicas := p.Replicas
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	s := &hashRingSelector{
		endpoints: copyEndpoints(endpoints),
		ring:      make([]uint32, 0, len(endpoints)*replicas),
		nodes:     make(map[uint32]registry.Endpoint, len(endpoints)*replicas),
	}
	for _, ep := range s.endpoints {
		for i := 0; i < replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep, i)))
			if _, taken := s.nodes[hash]; taken {
				continue
			}
			s.ring = append(s.ring, hash)
			s.nodes[hash] = ep
		}
	}
	sort.Slice(s.ring, func(i, j int) bool {
		return s.ring[i] < s.ring[j]
	})
	return s
}

// hashRingSelector is built once and only read afterwards.
type hashRingSelector struct {
	endpoints []registry.Endpoint
	ring      []uint32 // Sorted hash values on the ring
	nodes     map[uint32]registry.Endpoint
	counter   atomic.Uint64 // Used as key when the call carries none
}

// Select hashes the routing key and walks clockwise to the first virtual node.
func (s *hashRingSelector) Select(ctx context.Context) (registry.Endpoint, error) {
	if len(s.ring) == 0 {
		return registry.Endpoint{}, ErrNoAvailableEndpoint
	}
	key, ok := RoutingKey(ctx)
	if !ok {
		key = strconv.FormatUint(s.counter.Inc(), 10)
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(s.ring), func(i int) bool {
		return s.ring[i] >= hash
	})
	if idx == len(s.ring) {
		idx = 0
	}
	return s.nodes[s.ring[idx]], nil
}

func (s *hashRingSelector) Endpoints() []registry.Endpoint {
	return copyEndpoints(s.endpoints)
}
