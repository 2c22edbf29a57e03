// Package transport implements the outbound half of the envelope protocol.
//
// Sender turns one logical envelope into one or more transport strings. Payloads that
// fit the effective payload size go out as a single envelope; larger ones are split
// into ordered chunk envelopes sharing the RequestID:
//
//	env(payload=6000B) ──Split(419)──▶ chunk 1/15 ──encode──▶ string ──▶ Bridge.Send
//	                                   chunk 2/15 ──encode──▶ string ──▶ Bridge.Send
//	                                   ...                  (paced, ctx checked per chunk)
//
// Chunks are written in increasing index order. The receiver reassembles them
// whatever order the platform delivers them in.
package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"webview-rpc/bridge"
	"webview-rpc/chunk"
	"webview-rpc/codec"
	"webview-rpc/config"
	"webview-rpc/message"
	"webview-rpc/protocol"
)

// Sender is safe for concurrent use. Chunks of concurrent messages may interleave
// on the bridge.
type Sender struct {
	bridge bridge.Bridge
	cfg    *config.Config
	log    *zap.Logger

	mu      sync.Mutex
	limiter *rate.Limiter // nil when chunks are unpaced
	rate    float64
}

func NewSender(b bridge.Bridge, cfg *config.Config, logger *zap.Logger) *Sender {
	if cfg == nil {
		cfg = config.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		bridge: b,
		cfg:    cfg,
		log:    logger.Named("sender"),
	}
}

// Send writes env to the bridge, chunking its payload when needed. Error
// envelopes are never chunked. An encoded string longer than the max encoded
// message size is never written; Send fails with bridge.ErrMessageTooLarge.
// The configuration is read once per call.
func (s *Sender) Send(ctx context.Context, env *message.Envelope) error {
	c := codec.GetCodec(s.cfg.Codec())
	maxSize := s.cfg.MaxEncodedMessageSize()
	size := s.cfg.EffectivePayloadSize()

	if env.Error != "" || !s.cfg.ChunkingEnabled() || len(env.Payload) <= size {
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.write(c, env, maxSize)
	}

	parts := chunk.Split(env.Payload, size)
	limiter := s.pacer()
	s.log.Debug("sending chunked message",
		zap.String("request_id", env.RequestID),
		zap.String("method", env.Method),
		zap.Int("size", len(env.Payload)),
		zap.Int("total_chunks", len(parts)))
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		piece := &message.Envelope{
			RequestID: env.RequestID,
			IsRequest: env.IsRequest,
			Method:    env.Method,
			Payload:   part,
			ChunkInfo: &message.ChunkInfo{
				Index:        i + 1,
				Total:        len(parts),
				OriginalSize: len(env.Payload),
			},
		}
		if err := s.write(c, piece, maxSize); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

func (s *Sender) write(c codec.Codec, env *message.Envelope, maxSize int) error {
	str, err := protocol.EncodeString(c, env)
	if err != nil {
		return err
	}
	if len(str) > maxSize {
		s.log.Warn("encoded message exceeds max encoded message size",
			zap.String("request_id", env.RequestID),
			zap.String("method", env.Method),
			zap.Int("size", len(str)),
			zap.Int("max_size", maxSize))
		return fmt.Errorf("%w: encoded %d bytes, max %d", bridge.ErrMessageTooLarge, len(str), maxSize)
	}
	return s.bridge.Send(str)
}

// pacer returns the chunk limiter for the configured rate, rebuilding it
// when the rate changed.
func (s *Sender) pacer() *rate.Limiter {
	r := s.cfg.ChunkRate()
	s.mu.Lock()
	defer s.mu.Unlock()
	if r <= 0 {
		s.limiter, s.rate = nil, 0
		return nil
	}
	if s.limiter == nil || s.rate != r {
		s.limiter = rate.NewLimiter(rate.Limit(r), 1)
		s.rate = r
	}
	return s.limiter
}
