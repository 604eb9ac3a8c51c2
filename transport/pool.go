package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"irpc/codec"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// connSet is a fixed number of multiplexed connections to a single address.
//
// Slots are dialed lazily and redialed once their connection breaks, so a
// provider that restarts on the same address is picked up again. Callers are
// spread over the slots round-robin.
type connSet struct {
	addr  string
	codec codec.CodecType
	dial  func(ctx context.Context, addr string) (net.Conn, error)

	mu      sync.Mutex
	slots   []*ClientTransport
	retired bool // Set by close and retireIfIdle; the set never dials again
	next    atomic.Uint64
}

// errRetired tells the caller to look the address up again.
var errRetired = errors.New("transport: connection set retired")

func newConnSet(addr string, size int, codecType codec.CodecType, dial func(ctx context.Context, addr string) (net.Conn, error)) *connSet {
	if size <= 0 {
		size = 1
	}
	return &connSet{
		addr:  addr,
		codec: codecType,
		dial:  dial,
		slots: make([]*ClientTransport, size),
	}
}

// get returns a live transport, dialing the chosen slot if needed.
// Dialing happens under the set's lock so one address never exceeds its slot count.
func (s *connSet) get(ctx context.Context) (*ClientTransport, error) {
	i := int((s.next.Inc() - 1) % uint64(len(s.slots)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return nil, errRetired
	}
	if t := s.slots[i]; t != nil && !t.Closed() {
		return t, nil
	}
	conn, err := s.dial(ctx, s.addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, s.addr)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, s.addr, err)
	}
	t := NewClientTransport(conn, s.codec)
	s.slots[i] = t
	return t, nil
}

// retireIfIdle retires the set when none of its connections is alive. A set
// busy dialing is left alone.
func (s *connSet) retireIfIdle() bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	for _, t := range s.slots {
		if t != nil && !t.Closed() {
			return false
		}
	}
	s.retired = true
	return true
}

func (s *connSet) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
	var err error
	for i, t := range s.slots {
		if t != nil {
			err = multierr.Append(err, t.Close())
			s.slots[i] = nil
		}
	}
	return err
}
