// Package server implements the provider side: service registration, the
// middleware chain, parallel request processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → heartbeat frame: echo it back
//	  → request frame: go handleRequest
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"irpc/codec"
	"irpc/limiter"
	"irpc/message"
	"irpc/middleware"
	"irpc/protocol"
	"irpc/registry"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RegisterTimeout bounds publishing the services to the registry on Serve.
const RegisterTimeout = 5 * time.Second

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	mu         sync.RWMutex
	serviceMap map[string]*service // "Arith" → *service

	listener  net.Listener
	wg        sync.WaitGroup    // In-flight requests
	shutdown  atomic.Bool       // Distinguishes our own listener.Close from Accept failures
	stopping  atomic.Bool       // Set by the first Shutdown
	conns     sync.Map          // map[net.Conn]struct{}
	advertise registry.Endpoint // Guarded by mu

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	registry    registry.Registry
	logger      *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry publishes the server's services to reg on Serve.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRateLimiter gates every request through l before any other middleware.
func WithRateLimiter(l limiter.Limiter) Option {
	return func(s *Server) {
		s.middlewares = append([]middleware.Middleware{middleware.RateLimitMiddleware(l)}, s.middlewares...)
	}
}

// NewServer creates a new RPC server with an empty service map.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
// The struct's exported methods that match the RPC signature will be available for remote calls.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	svr.serviceMap[svc.name] = svc
	svr.mu.Unlock()
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the listener. Call Serve afterwards.
func (svr *Server) Listen(network, address string) (net.Addr, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	svr.listener = listener
	return listener.Addr(), nil
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(network, address, advertiseAddr string) error {
	if _, err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve(advertiseAddr)
}

// Serve registers every service with the registry, then runs the accept loop
// until Shutdown.
//
// advertiseAddr is the "<ip>:<port>" published to the registry; it differs from
// the listen address because ":8080" is not routable. An empty advertiseAddr
// publishes the listener's address, with unspecified IPs replaced by loopback.
// A registration failure closes the listener and is returned: a provider that
// cannot be discovered must not start.
func (svr *Server) Serve(advertiseAddr string) error {
	if svr.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if err := svr.registerServices(advertiseAddr); err != nil {
		svr.listener.Close()
		return err
	}

	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.conns.Store(conn, struct{}{})
		go svr.handleConn(conn)
	}
}

func (svr *Server) registerServices(advertiseAddr string) error {
	ep, err := advertiseEndpoint(advertiseAddr, svr.listener.Addr())
	if err != nil {
		return err
	}
	svr.mu.Lock()
	svr.advertise = ep
	svr.mu.Unlock()
	if svr.registry == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), RegisterTimeout)
	defer cancel()
	for _, name := range svr.serviceNames() {
		if err := svr.registry.Register(ctx, name, ep); err != nil {
			return fmt.Errorf("server: register %s: %w", name, err)
		}
	}
	svr.logger.Info("provider started", zap.Stringer("endpoint", ep), zap.Strings("services", svr.serviceNames()))
	return nil
}

func advertiseEndpoint(advertiseAddr string, listenAddr net.Addr) (registry.Endpoint, error) {
	if advertiseAddr != "" {
		return registry.ParseEndpoint(advertiseAddr)
	}
	tcp, ok := listenAddr.(*net.TCPAddr)
	if !ok {
		return registry.ParseEndpoint(listenAddr.String())
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return registry.Endpoint{Host: host, Port: tcp.Port}, nil
}

// Endpoint returns the address published to the registry once Serve has started.
func (svr *Server) Endpoint() registry.Endpoint {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return svr.advertise
}

func (svr *Server) serviceNames() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	return names
}

// handleConn reads frames sequentially and dispatches each request to its own goroutine.
// writeMu is shared by every writer on this connection so frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.conns.Delete(conn)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			svr.replyHeartbeat(conn, header, writeMu)
			continue
		}

		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

func (svr *Server) replyHeartbeat(conn net.Conn, header *protocol.Header, writeMu *sync.Mutex) {
	reply := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeHeartbeat,
		Seq:       header.Seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &reply, nil); err != nil {
		svr.logger.Debug("heartbeat reply failed", zap.Error(err))
	}
}

// handleRequest decodes one request, runs the handler chain and writes the response.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.RPCMessage{}
	var resp *message.RPCMessage
	if err := c.Decode(body, &msg); err != nil {
		resp = message.Failed("", message.CodeException, "decode request: "+err.Error())
	} else {
		resp = svr.handler(context.Background(), &msg)
	}

	result, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("failed to encode response", zap.String("method", msg.ServiceMethod), zap.Error(err))
		return
	}

	// Same seq as the request: this is how the client matches responses.
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Debug("failed to write response", zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Close the listener
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close the remaining connections
//
// Only the first call does anything; later calls return nil.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if !svr.stopping.CompareAndSwap(false, true) {
		return nil
	}
	var errs error
	if ep := svr.Endpoint(); svr.registry != nil && ep.Port != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range svr.serviceNames() {
			errs = multierr.Append(errs, svr.registry.Deregister(ctx, name, ep))
		}
		cancel()
	}

	// The flag must be set before closing so Serve returns nil on the Accept error.
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	svr.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	return errs
}

// businessHandler dispatches a request to the registered service method.
// Arguments and replies are JSON inside the envelope's Payload.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || serviceName == "" || methodName == "" {
		return message.Failed(req.ServiceMethod, message.CodeNotFound, "invalid service method format")
	}

	svr.mu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if svc == nil {
		return message.Failed(req.ServiceMethod, message.CodeNotFound, "service not found: "+serviceName)
	}
	method := svc.method[methodName]
	if method == nil {
		return message.Failed(req.ServiceMethod, message.CodeNotFound, "method not found: "+req.ServiceMethod)
	}

	argv, replyv := method.newArgs()
	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return message.Failed(req.ServiceMethod, message.CodeException, "decode args: "+err.Error())
	}

	if err := svc.call(method, argv, replyv); err != nil {
		return message.Failed(req.ServiceMethod, message.CodeFail, err.Error())
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		return message.Failed(req.ServiceMethod, message.CodeException, "encode reply: "+err.Error())
	}
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Code:          message.CodeSuccess,
		Payload:       payload,
	}
}
