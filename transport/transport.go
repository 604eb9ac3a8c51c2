// Package transport carries RPCMessages to provider endpoints.
//
// ClientTransport multiplexes concurrent calls over one TCP connection: each
// request gets a sequence number and a background goroutine (recvLoop) routes
// responses back to the waiting caller.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ provider
//	goroutine-3 ──Ping(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//
// TCPTransport keeps a few ClientTransports per endpoint and is what the
// client and the heartbeat detector talk to.
package transport

import (
	"context"
	"errors"
	"fmt"

	"irpc/message"
	"irpc/registry"
)

var (
	// ErrTimeout means no response arrived before the call's deadline.
	ErrTimeout = errors.New("transport: timeout")
	// ErrUnreachable means the endpoint could not be dialed or the connection broke.
	ErrUnreachable = errors.New("transport: endpoint unreachable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Transport sends requests to endpoints. Implementations report failures as
// ErrTimeout or ErrUnreachable and never retry on their own.
type Transport interface {
	Send(ctx context.Context, ep registry.Endpoint, req *message.RPCMessage) (*message.RPCMessage, error)
	// Probe checks that ep answers a heartbeat.
	Probe(ctx context.Context, ep registry.Endpoint) error
	Close() error
}

// IsRetryable reports whether err is a transport failure a caller may retry on another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}

func contextError(ctx context.Context, addr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, addr, ctx.Err())
	}
	return ctx.Err()
}
