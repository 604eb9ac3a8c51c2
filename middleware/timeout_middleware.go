package middleware

import (
	"context"
	"irpc/message"
	"time"
)

// TimeOutMiddleware answers CodeException if the handler does not finish in time.
// The handler keeps running with a cancelled context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failed(req.ServiceMethod, message.CodeException, "request timed out")
			}
		}
	}
}
