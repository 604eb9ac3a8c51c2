package middleware

import (
	"context"
	"irpc/message"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every request with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("code", resp.Code),
			}
			if resp.Error != "" {
				logger.Warn("request failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("request served", fields...)
			}
			return resp
		}
	}
}
