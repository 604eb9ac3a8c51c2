// Package middleware wraps the provider's business handler.
//
// Chain(A, B, C)(handler) builds A(B(C(handler))), so A sees the request first
// and the response last.
package middleware

import (
	"context"
	"irpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, the first being outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
