package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"irpc/codec"
	"irpc/limiter"
	"irpc/message"
	"irpc/protocol"
	"irpc/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// startServer serves Arith on a random loopback port and returns the dialable address.
func startServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	svr := NewServer(opts...)
	require.NoError(t, svr.Register(&Arith{}))
	addr, err := svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- svr.Serve("") }()
	t.Cleanup(func() {
		assert.NoError(t, svr.Shutdown(time.Second))
		assert.NoError(t, <-served)
	})
	return svr, addr.String()
}

func call(t *testing.T, conn net.Conn, seq uint32, req *message.RPCMessage) *message.RPCMessage {
	t.Helper()
	cdc := codec.GetCodec(codec.CodecTypeJSON)
	body, err := cdc.Encode(req)
	require.NoError(t, err)

	header := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: protocol.MsgTypeRequest, Seq: seq}
	require.NoError(t, protocol.Encode(conn, &header, body))

	replyHeader, responseBody, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, seq, replyHeader.Seq)
	assert.Equal(t, protocol.MsgTypeResponse, replyHeader.MsgType)

	resp := &message.RPCMessage{}
	require.NoError(t, cdc.Decode(responseBody, resp))
	return resp
}

func payload(t *testing.T, v any) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestServer(t *testing.T) {
	_, addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	resp := call(t, conn, 123, &message.RPCMessage{ServiceMethod: "Arith.Add", Payload: payload(t, &Args{1, 2})})
	require.Equal(t, message.CodeSuccess, resp.Code, resp.Error)
	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Payload, &reply))
	assert.Equal(t, 3, reply.Result)

	resp = call(t, conn, 124, &message.RPCMessage{ServiceMethod: "Arith.Div", Payload: payload(t, &Args{1, 0})})
	assert.Equal(t, message.CodeFail, resp.Code)
	assert.Equal(t, "divide by zero", resp.Error)
}

func TestServerNotFound(t *testing.T) {
	_, addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	for i, method := range []string{"Nope.Add", "Arith.Nope", "Arith"} {
		resp := call(t, conn, uint32(i+1), &message.RPCMessage{ServiceMethod: method, Payload: []byte("{}")})
		assert.Equal(t, message.CodeNotFound, resp.Code, method)
	}
}

func TestServerHeartbeat(t *testing.T) {
	_, addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, Seq: 42}, nil))
	h, body, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeHeartbeat, h.MsgType)
	assert.Equal(t, uint32(42), h.Seq)
	assert.Empty(t, body)
}

func TestServerRateLimit(t *testing.T) {
	_, addr := startServer(t, WithRateLimiter(limiter.NewTokenBucket(2, time.Hour)))
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req := &message.RPCMessage{ServiceMethod: "Arith.Add", Payload: payload(t, &Args{1, 1})}
	assert.Equal(t, message.CodeSuccess, call(t, conn, 1, req).Code)
	assert.Equal(t, message.CodeSuccess, call(t, conn, 2, req).Code)
	assert.Equal(t, message.CodeRateLimited, call(t, conn, 3, req).Code)

	// Heartbeats are not rate limited.
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, Seq: 4}, nil))
	h, _, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeHeartbeat, h.MsgType)
}

func TestServerRegistersAndDeregisters(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	reg := registry.NewDirectoryRegistry(store.Session())
	consumer := registry.NewDirectoryRegistry(store.Session())

	svr := NewServer(WithRegistry(reg))
	require.NoError(t, svr.Register(&Arith{}))
	_, err := svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.Serve("") }()

	var eps []registry.Endpoint
	require.Eventually(t, func() bool {
		eps, err = consumer.Discover(ctx, "", "Arith")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []registry.Endpoint{svr.Endpoint()}, eps)

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-served)
	_, err = consumer.Discover(ctx, "", "Arith")
	assert.ErrorIs(t, err, registry.ErrDiscovery)
}

type brokenRegistry struct {
	registry.Registry
}

func (brokenRegistry) Register(context.Context, string, registry.Endpoint) error {
	return errors.New("directory unreachable")
}

func TestServerRegistrationFailureIsFatal(t *testing.T) {
	svr := NewServer(WithRegistry(brokenRegistry{}))
	require.NoError(t, svr.Register(&Arith{}))
	_, err := svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = svr.Serve("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory unreachable")
}

// countingRegistry counts deregistrations on top of a working registry.
type countingRegistry struct {
	registry.Registry
	deregistered atomic.Int64
}

func (r *countingRegistry) Deregister(ctx context.Context, serviceName string, ep registry.Endpoint) error {
	r.deregistered.Inc()
	return r.Registry.Deregister(ctx, serviceName, ep)
}

func TestShutdownTwice(t *testing.T) {
	reg := &countingRegistry{Registry: registry.NewDirectoryRegistry(registry.NewMemoryStore().Session())}
	defer reg.Close()
	svr := NewServer(WithRegistry(reg))
	require.NoError(t, svr.Register(&Arith{}))
	_, err := svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.Serve("") }()
	require.Eventually(t, func() bool {
		return svr.Endpoint().Port != 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-served)
	require.NoError(t, svr.Shutdown(time.Second))
	assert.Equal(t, int64(1), reg.deregistered.Load())
}

func TestServeBeforeListen(t *testing.T) {
	assert.Error(t, NewServer().Serve(""))
}

func TestServiceValidation(t *testing.T) {
	_, err := newService(Arith{})
	assert.Error(t, err)
	n := 1
	_, err = newService(&n)
	assert.Error(t, err)
	_, err = newService(&struct{}{})
	assert.Error(t, err)

	svc, err := newService(&Arith{})
	require.NoError(t, err)
	assert.Equal(t, "Arith", svc.name)
	assert.Len(t, svc.method, 2)
}

type Faulty struct{}

func (f *Faulty) Boom(args *Args, reply *Reply) error {
	var m map[string]int
	m["x"] = args.A
	return nil
}

func TestServiceCallRecoversPanic(t *testing.T) {
	svc, err := newService(&Faulty{})
	require.NoError(t, err)
	m := svc.method["Boom"]
	argv, replyv := m.newArgs()
	err = svc.call(m, argv, replyv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in Faulty")
}

func TestAdvertiseEndpoint(t *testing.T) {
	ep, err := advertiseEndpoint("10.1.2.3:9000", nil)
	require.NoError(t, err)
	assert.Equal(t, registry.Endpoint{Host: "10.1.2.3", Port: 9000}, ep)

	ep, err = advertiseEndpoint("", &net.TCPAddr{IP: net.IPv6zero, Port: 7000})
	require.NoError(t, err)
	assert.Equal(t, registry.Endpoint{Host: "127.0.0.1", Port: 7000}, ep)

	_, err = advertiseEndpoint("nonsense", nil)
	assert.Error(t, err)
}
