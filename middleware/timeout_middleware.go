package middleware

import (
	"context"
	"time"

	"webview-rpc/message"
)

const TimeoutError = "request timed out"

// TimeOutMiddleware answers with TimeoutError when the handler runs past timeout.
// The handler keeps running with a cancelled context; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewResponse(req, nil, TimeoutError)
			}
		}
	}
}
