package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"webview-rpc/message"
)

// Retryable reports whether a failed response is worth another attempt.
type Retryable func(resp *message.Envelope) bool

// TransientErrors retries responses whose error text contains one of the given markers.
func TransientErrors(markers ...string) Retryable {
	return func(resp *message.Envelope) bool {
		for _, m := range markers {
			if strings.Contains(resp.Error, m) {
				return true
			}
		}
		return false
	}
}

// RetryMiddleware re-runs the handler with exponential backoff while it fails
// with a retryable error. Waiting stops as soon as ctx ends.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable Retryable, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp == nil || !resp.Failed() || !retryable(resp) {
					return resp
				}
				logger.Debug("retrying handler",
					zap.String("request_id", req.RequestID),
					zap.String("method", req.Method),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
