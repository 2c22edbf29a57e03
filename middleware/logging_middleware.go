package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"webview-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("request_id", req.RequestID),
				zap.String("method", req.Method),
				zap.Int("size", len(req.Payload)),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case resp == nil:
				logger.Error("rpc returned no response", fields...)
			case resp.Failed():
				logger.Warn("rpc failed", append(fields, zap.String("error", resp.Error))...)
			default:
				logger.Info("rpc", append(fields, zap.Int("response_size", len(resp.Payload)))...)
			}
			return resp
		}
	}
}
