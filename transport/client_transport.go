package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"irpc/codec"
	"irpc/message"
	"irpc/protocol"

	"go.uber.org/atomic"
)

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     atomic.Uint32
	pending sync.Map   // map[uint32]chan result, one per waiting request
	sending chan struct{} // Write token; frames from different callers must not interleave on the wire
	closed  atomic.Bool
	done    chan struct{}
	err     error // Set before done is closed
}

type result struct {
	msg *message.RPCMessage
	err error
}

// NewClientTransport wraps conn and starts the receive loop.
func NewClientTransport(conn net.Conn, codecType codec.CodecType) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		codec:   codecType,
		sending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	return t
}

// Call sends req and waits for the matching response or for ctx to end.
func (t *ClientTransport) Call(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return nil, err
	}
	return t.roundTrip(ctx, protocol.MsgTypeRequest, body)
}

// Ping sends a heartbeat frame and waits for the provider to echo it.
func (t *ClientTransport) Ping(ctx context.Context) error {
	resp, err := t.roundTrip(ctx, protocol.MsgTypeHeartbeat, nil)
	if err != nil {
		return err
	}
	if resp.Code != message.CodeHeartbeat {
		return fmt.Errorf("%w: unexpected heartbeat reply %s", ErrUnreachable, resp.Code)
	}
	return nil
}

func (t *ClientTransport) roundTrip(ctx context.Context, msgType protocol.MsgType, body []byte) (*message.RPCMessage, error) {
	if t.closed.Load() {
		return nil, t.closedErr()
	}

	seq := t.seq.Inc()
	// Register the response channel before sending so recvLoop can never miss it.
	respChan := make(chan result, 1)
	t.pending.Store(seq, respChan)
	if t.closed.Load() {
		t.pending.Delete(seq)
		return nil, t.closedErr()
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   msgType,
		Seq:       seq,
	}
	if err := t.write(ctx, &header, body); err != nil {
		t.pending.Delete(seq)
		return nil, err
	}

	select {
	case r := <-respChan:
		return r.msg, r.err
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, contextError(ctx, t.conn.RemoteAddr().String())
	}
}

// write sends one frame while holding the write token. Waiting for the token and
// the write itself both end with ctx. A frame cut short leaves the stream
// unusable, so any write failure tears the connection down.
func (t *ClientTransport) write(ctx context.Context, header *protocol.Header, body []byte) error {
	select {
	case t.sending <- struct{}{}:
	case <-ctx.Done():
		return contextError(ctx, t.conn.RemoteAddr().String())
	case <-t.done:
		return t.err
	}
	defer func() { <-t.sending }()
	if t.closed.Load() {
		return t.closedErr()
	}

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	if ctx.Done() != nil {
		written, stopped := make(chan struct{}), make(chan struct{})
		go func() {
			defer close(stopped)
			select {
			case <-ctx.Done():
				// Unblock a write stuck on a peer that stopped reading.
				t.conn.SetWriteDeadline(time.Unix(1, 0))
			case <-written:
			}
		}()
		defer func() {
			close(written)
			<-stopped
			t.conn.SetWriteDeadline(time.Time{})
		}()
	}

	err := protocol.Encode(t.conn, header, body)
	if err == nil {
		return nil
	}
	t.fail(err)
	if ctx.Err() != nil {
		return contextError(ctx, t.conn.RemoteAddr().String())
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: write to %s: %v", ErrTimeout, t.conn.RemoteAddr(), err)
	}
	return fmt.Errorf("%w: write to %s: %v", ErrUnreachable, t.conn.RemoteAddr(), err)
}

// recvLoop is the only reader of the connection; frames must be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}

		var r result
		if header.MsgType == protocol.MsgTypeHeartbeat {
			r.msg = &message.RPCMessage{Code: message.CodeHeartbeat}
		} else {
			msg := &message.RPCMessage{}
			if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
				r.err = fmt.Errorf("decode response: %w", err)
			}
			r.msg = msg
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan result) <- r
		}
	}
}

// fail closes the connection once and wakes every pending caller.
func (t *ClientTransport) fail(err error) {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.err = fmt.Errorf("%w: %s: %v", ErrUnreachable, t.conn.RemoteAddr(), err)
	close(t.done)
	t.conn.Close()
	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		select {
		case value.(chan result) <- result{err: t.err}:
		default:
		}
		return true
	})
}

func (t *ClientTransport) closedErr() error {
	<-t.done
	return t.err
}

// Closed reports whether the connection is gone.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Close shuts the connection; pending calls fail with ErrUnreachable.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}
