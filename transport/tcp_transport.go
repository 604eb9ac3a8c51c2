package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"irpc/codec"
	"irpc/message"
	"irpc/registry"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TCPTransport is the Transport used by clients and heartbeat detectors.
type TCPTransport struct {
	codec       codec.CodecType
	poolSize    int
	dialTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	sets   map[string]*connSet
	closed bool
}

var _ Transport = (*TCPTransport)(nil)

// Option configures a TCPTransport.
type Option func(*TCPTransport)

// WithCodec selects the codec used for requests. Defaults to JSON.
func WithCodec(c codec.CodecType) Option {
	return func(t *TCPTransport) { t.codec = c }
}

// WithPoolSize sets the number of connections per endpoint. Defaults to 2.
func WithPoolSize(n int) Option {
	return func(t *TCPTransport) { t.poolSize = n }
}

// WithDialTimeout bounds connection setup. Defaults to 3s.
func WithDialTimeout(d time.Duration) Option {
	return func(t *TCPTransport) { t.dialTimeout = d }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *TCPTransport) { t.logger = logger }
}

func NewTCPTransport(opts ...Option) *TCPTransport {
	t := &TCPTransport{
		codec:       codec.CodecTypeJSON,
		poolSize:    2,
		dialTimeout: 3 * time.Second,
		logger:      zap.NewNop(),
		sets:        make(map[string]*connSet),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TCPTransport) Send(ctx context.Context, ep registry.Endpoint, req *message.RPCMessage) (*message.RPCMessage, error) {
	ct, err := t.transport(ctx, ep)
	if err != nil {
		return nil, err
	}
	return ct.Call(ctx, req)
}

func (t *TCPTransport) Probe(ctx context.Context, ep registry.Endpoint) error {
	ct, err := t.transport(ctx, ep)
	if err != nil {
		return err
	}
	return ct.Ping(ctx)
}

func (t *TCPTransport) transport(ctx context.Context, ep registry.Endpoint) (*ClientTransport, error) {
	addr := ep.String()
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		set, ok := t.sets[addr]
		if !ok {
			t.pruneLocked()
			set = newConnSet(addr, t.poolSize, t.codec, t.dial)
			t.sets[addr] = set
		}
		t.mu.Unlock()

		ct, err := set.get(ctx)
		if errors.Is(err, errRetired) {
			continue
		}
		return ct, err
	}
}

// pruneLocked drops the sets of addresses with no live connection, such as
// providers that left or never answered.
func (t *TCPTransport) pruneLocked() {
	for addr, set := range t.sets {
		if set.retireIfIdle() {
			delete(t.sets, addr)
			t.logger.Debug("connection set pruned", zap.String("addr", addr))
		}
	}
}

func (t *TCPTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.logger.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// Close closes every pooled connection. Later calls fail with ErrClosed.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	sets := t.sets
	t.sets = make(map[string]*connSet)
	t.closed = true
	t.mu.Unlock()

	var err error
	for _, set := range sets {
		err = multierr.Append(err, set.close())
	}
	return err
}
