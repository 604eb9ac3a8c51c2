// Package client is the consumer side of irpc: it resolves a provider through
// the load balancer, sends the call over a transport and maps the provider's
// response code back to a Go error.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"irpc/message"
	"irpc/registry"
	"irpc/transport"

	"go.uber.org/zap"
)

var (
	// ErrRateLimited means the provider rejected the call; back off before retrying.
	ErrRateLimited = errors.New("client: rate limited by provider")
	// ErrServiceNotFound means the provider does not export the service or method.
	ErrServiceNotFound = errors.New("client: service or method not found")
	// ErrInvalidServiceMethod is returned for names not shaped like "Service.Method".
	ErrInvalidServiceMethod = errors.New("client: service method must be Service.Method")
)

// RemoteError is a failure reported by the provider.
type RemoteError struct {
	ServiceMethod string
	Code          message.Code
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed (%s): %s", e.ServiceMethod, e.Code, e.Message)
}

// Balancer picks the endpoint for one call. loadbalance.LoadBalancer satisfies it.
type Balancer interface {
	SelectEndpoint(ctx context.Context, appName, serviceName string) (registry.Endpoint, error)
}

// RetryPolicy retries transport timeouts and unreachable providers with
// exponential backoff: BaseDelay, 2*BaseDelay, 4*BaseDelay... up to maxBackoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries twice starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 2, BaseDelay: 50 * time.Millisecond}

// maxBackoff caps a single wait between attempts.
const maxBackoff = 30 * time.Second

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && d > 0 && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

type Client struct {
	app       string
	balancer  Balancer
	transport transport.Transport
	retry     RetryPolicy
	timeout   time.Duration
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithApplication sets the application namespace used for discovery.
func WithApplication(app string) Option {
	return func(c *Client) { c.app = app }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithRequestTimeout bounds each attempt. Zero leaves only the caller's deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client. The balancer and transport may be shared by many clients.
func New(balancer Balancer, tr transport.Transport, opts ...Option) *Client {
	c := &Client{
		balancer:  balancer,
		transport: tr,
		retry:     DefaultRetryPolicy,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes serviceMethod ("Service.Method") with args and decodes the
// result into reply. reply may be nil when the result is not needed.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	serviceName, methodName, ok := strings.Cut(serviceMethod, ".")
	if !ok || serviceName == "" || methodName == "" {
		return fmt.Errorf("%w: %q", ErrInvalidServiceMethod, serviceMethod)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args for %s: %w", serviceMethod, err)
	}

	for attempt := 0; ; attempt++ {
		ep, err := c.balancer.SelectEndpoint(ctx, c.app, serviceName)
		if err != nil {
			return err
		}

		req := &message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}
		resp, err := c.send(ctx, ep, req)
		if err == nil {
			return decodeResponse(resp, serviceMethod, reply)
		}
		if !transport.IsRetryable(err) || attempt >= c.retry.MaxRetries || ctx.Err() != nil {
			return err
		}

		delay := c.retry.backoff(attempt)
		c.logger.Info("retrying call",
			zap.String("method", serviceMethod),
			zap.Stringer("endpoint", ep),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
}

func (c *Client) send(ctx context.Context, ep registry.Endpoint, req *message.RPCMessage) (*message.RPCMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.transport.Send(ctx, ep, req)
}

func decodeResponse(resp *message.RPCMessage, serviceMethod string, reply any) error {
	switch resp.Code {
	case message.CodeSuccess:
		if reply == nil || len(resp.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Payload, reply); err != nil {
			return fmt.Errorf("decode reply of %s: %w", serviceMethod, err)
		}
		return nil
	case message.CodeRateLimited:
		return fmt.Errorf("%w: %s", ErrRateLimited, serviceMethod)
	case message.CodeNotFound:
		return fmt.Errorf("%w: %s", ErrServiceNotFound, resp.Error)
	default:
		return &RemoteError{ServiceMethod: serviceMethod, Code: resp.Code, Message: resp.Error}
	}
}
