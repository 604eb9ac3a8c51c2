package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"irpc/arith"
	"irpc/loadbalance"
	"irpc/message"
	"irpc/registry"
	"irpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	epA = registry.Endpoint{Host: "10.0.0.1", Port: 9000}
	epB = registry.Endpoint{Host: "10.0.0.2", Port: 9000}
)

// roundRobinBalancer alternates between a fixed endpoint list.
type roundRobinBalancer struct {
	mu        sync.Mutex
	endpoints []registry.Endpoint
	err       error
	calls     int
}

func (b *roundRobinBalancer) SelectEndpoint(context.Context, string, string) (registry.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return registry.Endpoint{}, b.err
	}
	return b.endpoints[(b.calls-1)%len(b.endpoints)], nil
}

// scriptedTransport answers Send from a queue of outcomes; the last one repeats.
type scriptedTransport struct {
	mu       sync.Mutex
	outcomes []outcome
	sent     []registry.Endpoint
}

type outcome struct {
	resp *message.RPCMessage
	err  error
}

func (s *scriptedTransport) Send(_ context.Context, ep registry.Endpoint, req *message.RPCMessage) (*message.RPCMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ep)
	o := s.outcomes[0]
	if len(s.outcomes) > 1 {
		s.outcomes = s.outcomes[1:]
	}
	return o.resp, o.err
}

func (s *scriptedTransport) Probe(context.Context, registry.Endpoint) error { return nil }
func (s *scriptedTransport) Close() error                                   { return nil }

func (s *scriptedTransport) sends() []registry.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registry.Endpoint(nil), s.sent...)
}

func success(t *testing.T, v any) outcome {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return outcome{resp: &message.RPCMessage{Code: message.CodeSuccess, Payload: raw}}
}

func fastRetry(n int) Option {
	return WithRetryPolicy(RetryPolicy{MaxRetries: n, BaseDelay: time.Millisecond})
}

func TestCallSuccess(t *testing.T) {
	bal := &roundRobinBalancer{endpoints: []registry.Endpoint{epA}}
	tr := &scriptedTransport{outcomes: []outcome{success(t, arith.Reply{Result: 3})}}
	c := New(bal, tr, WithLogger(zaptest.NewLogger(t)))

	var reply arith.Reply
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &arith.Args{A: 1, B: 2}, &reply))
	assert.Equal(t, 3, reply.Result)
	assert.Equal(t, []registry.Endpoint{epA}, tr.sends())
}

func TestCallResponseCodes(t *testing.T) {
	tests := []struct {
		name  string
		resp  *message.RPCMessage
		check func(t *testing.T, err error)
	}{
		{
			name: "rate limited",
			resp: message.Failed("Arith.Add", message.CodeRateLimited, "rate limit exceeded"),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrRateLimited)
			},
		},
		{
			name: "not found",
			resp: message.Failed("Arith.Nope", message.CodeNotFound, "method not found: Arith.Nope"),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrServiceNotFound)
			},
		},
		{
			name: "business failure",
			resp: message.Failed("Arith.Divide", message.CodeFail, "divide by zero"),
			check: func(t *testing.T, err error) {
				var remote *RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, message.CodeFail, remote.Code)
				assert.Equal(t, "divide by zero", remote.Message)
			},
		},
		{
			name: "exception",
			resp: message.Failed("Arith.Add", message.CodeException, "decode args"),
			check: func(t *testing.T, err error) {
				var remote *RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, message.CodeException, remote.Code)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptedTransport{outcomes: []outcome{{resp: tt.resp}}}
			c := New(&roundRobinBalancer{endpoints: []registry.Endpoint{epA}}, tr, fastRetry(3))
			err := c.Call(context.Background(), "Arith.Add", &arith.Args{}, &arith.Reply{})
			require.Error(t, err)
			tt.check(t, err)
			// Provider answers are final.
			assert.Len(t, tr.sends(), 1)
		})
	}
}

func TestCallRetriesOnNextEndpoint(t *testing.T) {
	bal := &roundRobinBalancer{endpoints: []registry.Endpoint{epA, epB}}
	tr := &scriptedTransport{outcomes: []outcome{
		{err: fmt.Errorf("%w: refused", transport.ErrUnreachable)},
		success(t, arith.Reply{Result: 7}),
	}}
	c := New(bal, tr, fastRetry(2))

	var reply arith.Reply
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &arith.Args{A: 3, B: 4}, &reply))
	assert.Equal(t, 7, reply.Result)
	assert.Equal(t, []registry.Endpoint{epA, epB}, tr.sends())
}

func TestCallGivesUpAfterMaxRetries(t *testing.T) {
	bal := &roundRobinBalancer{endpoints: []registry.Endpoint{epA}}
	tr := &scriptedTransport{outcomes: []outcome{{err: fmt.Errorf("%w: slow", transport.ErrTimeout)}}}
	c := New(bal, tr, fastRetry(2))

	err := c.Call(context.Background(), "Arith.Add", &arith.Args{}, nil)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Len(t, tr.sends(), 3)
}

func TestCallDoesNotRetryOtherErrors(t *testing.T) {
	bal := &roundRobinBalancer{endpoints: []registry.Endpoint{epA}}
	boom := errors.New("boom")
	tr := &scriptedTransport{outcomes: []outcome{{err: boom}}}
	c := New(bal, tr, fastRetry(2))

	assert.ErrorIs(t, c.Call(context.Background(), "Arith.Add", &arith.Args{}, nil), boom)
	assert.Len(t, tr.sends(), 1)
}

func TestCallSelectionErrors(t *testing.T) {
	for _, selErr := range []error{
		fmt.Errorf("discover Arith: %w", registry.ErrDiscovery),
		loadbalance.ErrNoAvailableEndpoint,
	} {
		bal := &roundRobinBalancer{err: selErr}
		tr := &scriptedTransport{outcomes: []outcome{success(t, nil)}}
		c := New(bal, tr, fastRetry(2))

		err := c.Call(context.Background(), "Arith.Add", &arith.Args{}, nil)
		assert.ErrorIs(t, err, selErr)
		assert.Empty(t, tr.sends())
		assert.Equal(t, 1, bal.calls)
	}
}

func TestCallInvalidServiceMethod(t *testing.T) {
	c := New(&roundRobinBalancer{endpoints: []registry.Endpoint{epA}}, &scriptedTransport{})
	for _, name := range []string{"Arith", ".Add", "Arith.", ""} {
		assert.ErrorIs(t, c.Call(context.Background(), name, nil, nil), ErrInvalidServiceMethod, name)
	}
}

func TestCallCancelledDuringBackoff(t *testing.T) {
	bal := &roundRobinBalancer{endpoints: []registry.Endpoint{epA}}
	tr := &scriptedTransport{outcomes: []outcome{{err: transport.ErrUnreachable}}}
	c := New(bal, tr, WithRetryPolicy(RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Call(ctx, "Arith.Add", &arith.Args{}, nil)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, tr.sends(), 1)
}

type slowTransport struct {
	scriptedTransport
}

func (s *slowTransport) Send(ctx context.Context, ep registry.Endpoint, req *message.RPCMessage) (*message.RPCMessage, error) {
	s.scriptedTransport.Send(ctx, ep, req)
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", transport.ErrTimeout, ctx.Err())
}

func TestCallRequestTimeoutPerAttempt(t *testing.T) {
	bal := &roundRobinBalancer{endpoints: []registry.Endpoint{epA, epB}}
	tr := &slowTransport{scriptedTransport{outcomes: []outcome{{}}}}
	c := New(bal, tr, fastRetry(1), WithRequestTimeout(10*time.Millisecond))

	err := c.Call(context.Background(), "Arith.Add", &arith.Args{}, nil)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, []registry.Endpoint{epA, epB}, tr.sends())
}

func TestRetryBackoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.backoff(0))
	assert.Equal(t, 20*time.Millisecond, p.backoff(1))
	assert.Equal(t, 40*time.Millisecond, p.backoff(2))
}

func TestRetryBackoffIsCapped(t *testing.T) {
	p := RetryPolicy{MaxRetries: 100, BaseDelay: 50 * time.Millisecond}
	for _, attempt := range []int{10, 63, 64, 99} {
		assert.Equal(t, maxBackoff, p.backoff(attempt), "attempt %d", attempt)
	}
	assert.Zero(t, RetryPolicy{}.backoff(70))
}
