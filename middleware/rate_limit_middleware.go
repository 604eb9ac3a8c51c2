package middleware

import (
	"context"
	"irpc/limiter"
	"irpc/message"
)

// RateLimitMiddleware rejects requests the limiter does not admit with
// CodeRateLimited, before they reach the business handler.
func RateLimitMiddleware(l limiter.Limiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !l.Allow() {
				return message.Failed(req.ServiceMethod, message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
