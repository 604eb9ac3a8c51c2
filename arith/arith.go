// Package arith is the demo service shipped with irpc: a provider-side
// implementation and a typed consumer stub.
package arith

import (
	"context"
	"errors"
)

// ServiceName is the name Arith registers under.
const ServiceName = "Arith"

var ErrDivideByZero = errors.New("divide by zero")

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// Arith is the provider implementation.
type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return ErrDivideByZero
	}
	reply.Result = args.A / args.B
	return nil
}

// Caller invokes a method of one service. *client.Reference satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, args, reply any) error
}

// Client is the typed consumer stub for Arith.
type Client struct {
	caller Caller
}

func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) Add(ctx context.Context, a, b int) (int, error) {
	return c.call(ctx, "Add", a, b)
}

func (c *Client) Multiply(ctx context.Context, a, b int) (int, error) {
	return c.call(ctx, "Multiply", a, b)
}

func (c *Client) Divide(ctx context.Context, a, b int) (int, error) {
	return c.call(ctx, "Divide", a, b)
}

func (c *Client) call(ctx context.Context, method string, a, b int) (int, error) {
	var reply Reply
	if err := c.caller.Call(ctx, method, &Args{A: a, B: b}, &reply); err != nil {
		return 0, err
	}
	return reply.Result, nil
}
