// Package client implements the calling side of a bridge.
//
// A Client multiplexes concurrent calls over one bridge. Each call gets a random
// RequestID and a one-shot result channel in the pending table; a single dispatch
// goroutine drains the bridge subscription, reassembles chunked responses and routes
// each complete response to its caller:
//
//	goroutine-1 ──Call(id=a1..)──┐
//	goroutine-2 ──Call(id=b7..)──┼──▶ Sender ──▶ Bridge ──▶ web view
//	goroutine-3 ──Call(id=f3..)──┘
//
//	dispatchLoop: ◀── response(id=b7..) ──▶ Assembler ──▶ pending[b7..] ──▶ goroutine-2 wakes up
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"webview-rpc/bridge"
	"webview-rpc/chunk"
	"webview-rpc/codec"
	"webview-rpc/config"
	"webview-rpc/message"
	"webview-rpc/protocol"
	"webview-rpc/transport"
)

var (
	// ErrDisposed is returned by calls pending at Close and by every call after it.
	ErrDisposed = errors.New("client: disposed")

	// ErrReadyTimeout is returned by WaitReady when the peer never acknowledged a probe.
	ErrReadyTimeout = errors.New("client: peer not ready")

	// ErrUnknownMethod matches a *RemoteError for a method the peer does not serve.
	ErrUnknownMethod = errors.New("client: unknown method")
)

// RemoteError carries the error text of a failed response verbatim.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Method, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrUnknownMethod && strings.HasPrefix(e.Message, message.UnknownMethodPrefix)
}

type Option func(*Client)

func WithConfig(cfg *config.Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.log = logger }
}

type result struct {
	payload []byte
	err     error
}

// Client is safe for concurrent use.
type Client struct {
	bridge    bridge.Bridge
	cfg       *config.Config
	log       *zap.Logger
	sender    *transport.Sender
	assembler *chunk.Assembler
	sub       *bridge.Subscription

	mu       sync.Mutex
	pending  map[string]chan result // RequestID -> one-shot result, buffered so resolvers never block
	disposed bool
	err      error // returned by Call once disposed

	ready    atomic.Bool
	done     chan struct{}
	loopDone chan struct{}
}

// NewClient subscribes to b and starts the dispatch loop. The bridge stays owned
// by the caller.
func NewClient(b bridge.Bridge, opts ...Option) *Client {
	c := &Client{
		bridge:   b,
		pending:  make(map[string]chan result),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg == nil {
		c.cfg = config.New()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.Named("client")
	c.sender = transport.NewSender(b, c.cfg, c.log)
	c.assembler = chunk.NewAssembler(c.cfg, c.log)
	c.sub = b.Subscribe()
	go c.dispatchLoop()
	return c
}

// Call sends payload to method and waits for the response payload.
//
// Failures are returned as *RemoteError when the peer answered with an error,
// a reassembly error when the response never completed, ErrDisposed when the
// client was closed, bridge.ErrClosed once the bridge shut down, or ctx.Err()
// when ctx ended first. When the config has a
// call timeout and ctx carries no deadline, the call is bounded by it.
func (c *Client) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	if c.disposed {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	id := c.newRequestID()
	ch := make(chan result, 1)
	// Registered before sending so a fast response always finds its entry
	c.pending[id] = ch
	c.mu.Unlock()

	if timeout := c.cfg.CallTimeout(); timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	req := &message.Envelope{
		RequestID: id,
		IsRequest: true,
		Method:    method,
		Payload:   payload,
	}
	if err := c.sender.Send(ctx, req); err != nil {
		if c.take(id) != nil {
			return nil, fmt.Errorf("rpc %s: %w", method, err)
		}
		r := <-ch
		return r.payload, r.err
	}

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		if c.take(id) != nil {
			return nil, ctx.Err()
		}
		// Resolved concurrently, the result is already buffered
		r := <-ch
		return r.payload, r.err
	}
}

// WaitReady probes the peer with the readiness method until it answers.
// Probes are sent every ProbeInterval. Without a deadline on ctx the wait is
// bounded by ReadyTimeout. Once the peer answered, WaitReady returns at once.
func (c *Client) WaitReady(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ReadyTimeout())
		defer cancel()
	}

	for {
		interval := c.cfg.ProbeInterval()
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		started := time.Now()
		_, err := c.Call(probeCtx, message.ReadinessMethod, nil)
		cancel()

		var remote *RemoteError
		switch {
		case err == nil, errors.As(err, &remote):
			// Any answer proves the peer is listening
			c.ready.Store(true)
			return nil
		case errors.Is(err, ErrDisposed):
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrReadyTimeout, ctx.Err())
		}
		c.log.Debug("readiness probe unanswered", zap.Error(err))
		if wait := interval - time.Since(started); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrReadyTimeout, ctx.Err())
			}
		}
	}
}

// Ready reports whether a readiness probe was answered.
func (c *Client) Ready() bool { return c.ready.Load() }

// Pending reports the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending call with ErrDisposed and unsubscribes from the
// bridge. The bridge itself is left open. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.err = ErrDisposed
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: ErrDisposed}
	}
	close(c.done)
	c.sub.Close()
	<-c.loopDone
	return nil
}

func (c *Client) dispatchLoop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			return
		case s, ok := <-c.sub.C():
			if !ok {
				c.bridgeClosed()
				return
			}
			c.handleMessage(s)
		}
	}
}

func (c *Client) handleMessage(s string) {
	env, err := protocol.DecodeString(codec.GetCodec(c.cfg.Codec()), s)
	if err != nil {
		c.log.Warn("dropping undecodable message", zap.Int("size", len(s)), zap.Error(err))
		return
	}
	// Requests belong to a server sharing the bridge
	if env.IsRequest {
		return
	}

	complete, report := c.assembler.TryAssemble(env)
	for _, f := range report.Failures {
		if f.IsRequest {
			continue
		}
		if !c.resolve(f.RequestID, result{err: fmt.Errorf("rpc %s: %w", f.Method, f.Err)}) {
			c.log.Debug("reassembly failure for unknown call", zap.String("request_id", f.RequestID), zap.Error(f.Err))
		}
	}
	if complete == nil {
		return
	}

	r := result{payload: complete.Payload}
	if complete.Failed() {
		r = result{err: &RemoteError{Method: complete.Method, Message: complete.Error}}
	}
	if !c.resolve(complete.RequestID, r) {
		c.log.Debug("dropping unsolicited response",
			zap.String("request_id", complete.RequestID),
			zap.String("method", complete.Method))
	}
}

// resolve delivers r to the pending call id and removes it. It reports false
// when no such call is pending.
func (c *Client) resolve(id string, r result) bool {
	ch := c.take(id)
	if ch == nil {
		return false
	}
	ch <- r
	return true
}

func (c *Client) take(id string) chan result {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return ch
}

// bridgeClosed disposes the client when its subscription ends without Close:
// nothing is left to resolve pending or later calls.
func (c *Client) bridgeClosed() {
	c.mu.Lock()
	if !c.disposed {
		c.disposed = true
		c.err = bridge.ErrClosed
	}
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- result{err: bridge.ErrClosed}
	}
}

// newRequestID returns 128 random bits in hex, unique among pending calls.
// Callers hold c.mu.
func (c *Client) newRequestID() string {
	for {
		id := hex.EncodeToString(uuid.Must(uuid.NewV4()).Bytes())
		if _, ok := c.pending[id]; !ok {
			return id
		}
	}
}
