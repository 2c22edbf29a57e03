// Package server implements the serving side of a bridge: a method dispatch table,
// a middleware chain, parallel request processing and graceful shutdown.
//
// Request processing pipeline:
//
//	subscription → dispatchLoop (single goroutine decodes and reassembles)
//	  → for each complete request: go handleRequest (parallel processing)
//	    → Middleware Chain → businessHandler (dispatch table lookup) → Sender (chunking) → Bridge.Send
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cornelk/hashmap"
	"go.uber.org/zap"

	"webview-rpc/bridge"
	"webview-rpc/chunk"
	"webview-rpc/codec"
	"webview-rpc/config"
	"webview-rpc/message"
	"webview-rpc/middleware"
	"webview-rpc/protocol"
	"webview-rpc/registry"
	"webview-rpc/transport"
)

// ErrDisposed is returned by every operation after Shutdown or Close.
var ErrDisposed = errors.New("server: disposed")

const deregisterTimeout = 5 * time.Second

// ResponseTooLargeError answers a request whose response cannot be sent within
// the max encoded message size, as happens with chunking disabled.
const ResponseTooLargeError = "response too large"

// Handler serves one method. The returned error's text is sent to the caller.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// ServiceDefinition maps fully qualified method names to handlers.
type ServiceDefinition map[string]Handler

type Option func(*Server)

func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// Server is safe for concurrent use. Registrations take effect immediately,
// before or after Start.
type Server struct {
	bridge    bridge.Bridge
	cfg       *config.Config
	log       *zap.Logger
	sender    *transport.Sender
	assembler *chunk.Assembler
	handlers  *hashmap.HashMap // method → Handler

	mu          sync.Mutex
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	sub         *bridge.Subscription
	registry    registry.Registry // nil until Publish
	endpoint    string
	ttl         time.Duration

	started  atomic.Bool
	disposed atomic.Bool
	wg       sync.WaitGroup // in-flight handlers
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

func NewServer(b bridge.Bridge, opts ...Option) *Server {
	s := &Server{
		bridge:   b,
		handlers: &hashmap.HashMap{},
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg == nil {
		s.cfg = config.New()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("server")
	s.sender = transport.NewSender(b, s.cfg, s.log)
	s.assembler = chunk.NewAssembler(s.cfg, s.log)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = s.businessHandler
	return s
}

// Register binds method to h, replacing any earlier binding.
func (s *Server) Register(method string, h Handler) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	switch {
	case method == "":
		return errors.New("server: empty method name")
	case len(method) > message.MaxMethodLength:
		return fmt.Errorf("server: method name of %d bytes exceeds %d", len(method), message.MaxMethodLength)
	case method == message.ReadinessMethod:
		return fmt.Errorf("server: %s is reserved", method)
	case h == nil:
		return fmt.Errorf("server: nil handler for %s", method)
	}
	s.handlers.Set(method, h)

	s.mu.Lock()
	reg, endpoint, ttl := s.registry, s.endpoint, s.ttl
	s.mu.Unlock()
	if reg != nil {
		ctx, cancel := context.WithTimeout(s.ctx, deregisterTimeout)
		defer cancel()
		if err := reg.Register(ctx, endpoint, method, ttl); err != nil {
			s.log.Warn("publish method", zap.String("method", method), zap.Error(err))
		}
	}
	return nil
}

// RegisterService merges def into the dispatch table. Later bindings win.
func (s *Server) RegisterService(def ServiceDefinition) error {
	names := make([]string, 0, len(def))
	for name := range def {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Register(name, def[name]); err != nil {
			return err
		}
	}
	return nil
}

// RegisterReceiver registers every exported method of rcvr with the signature
// func(context.Context, []byte) ([]byte, error) as "TypeName.Method".
func (s *Server) RegisterReceiver(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	return s.RegisterService(svc.definition())
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	methods := make([]string, 0, s.handlers.Len())
	for kv := range s.handlers.Iter() {
		methods = append(methods, kv.Key.(string))
	}
	sort.Strings(methods)
	return methods
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
}

// Start subscribes to the bridge and runs the dispatch loop.
func (s *Server) Start() error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server: already started")
	}
	s.mu.Lock()
	s.sub = s.bridge.Subscribe()
	sub := s.sub
	s.mu.Unlock()
	go s.dispatchLoop(sub)
	return nil
}

// Publish announces every registered method of this server under endpoint.
// Methods registered later are announced as they are added, and Shutdown
// withdraws them.
func (s *Server) Publish(ctx context.Context, reg registry.Registry, endpoint string, ttl time.Duration) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	s.mu.Lock()
	s.registry, s.endpoint, s.ttl = reg, endpoint, ttl
	s.mu.Unlock()
	for _, method := range s.Methods() {
		if err := reg.Register(ctx, endpoint, method, ttl); err != nil {
			return fmt.Errorf("publish %s: %w", method, err)
		}
	}
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Withdraw published methods (peers stop discovering this endpoint)
//  2. Unsubscribe (no new requests are accepted)
//  3. Wait for in-flight handlers, up to timeout
//  4. Cancel the handler context
//
// The bridge itself stays open.
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.disposed.CompareAndSwap(false, true) {
		return ErrDisposed
	}
	defer s.cancel()

	s.withdraw()
	s.stopLoop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for ongoing requests to finish")
	}
}

// Close shuts down without waiting: in-flight handlers see their context
// cancelled and their responses are still sent when they return.
func (s *Server) Close() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.withdraw()
	s.stopLoop()
	return nil
}

func (s *Server) withdraw() {
	s.mu.Lock()
	reg, endpoint := s.registry, s.endpoint
	s.registry = nil
	s.mu.Unlock()
	if reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	for _, method := range s.Methods() {
		if err := reg.Deregister(ctx, endpoint, method); err != nil {
			s.log.Warn("withdraw method", zap.String("method", method), zap.Error(err))
		}
	}
}

func (s *Server) stopLoop() {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Close()
	// After the loop exits no handler can be added to wg
	<-s.loopDone
}

func (s *Server) dispatchLoop(sub *bridge.Subscription) {
	defer close(s.loopDone)
	for msg := range sub.C() {
		if s.disposed.Load() {
			return
		}
		s.handleMessage(msg)
	}
}

func (s *Server) handleMessage(msg string) {
	env, err := protocol.DecodeString(codec.GetCodec(s.cfg.Codec()), msg)
	if err != nil {
		s.log.Warn("dropping undecodable message", zap.Int("size", len(msg)), zap.Error(err))
		return
	}
	// Responses belong to a client sharing the bridge
	if !env.IsRequest {
		return
	}

	req, report := s.assembler.TryAssemble(env)
	for _, f := range report.Failures {
		if !f.IsRequest {
			continue
		}
		resp := &message.Envelope{RequestID: f.RequestID, Method: f.Method, Error: f.Err.Error()}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.respond(resp)
		}()
	}
	if req == nil {
		return
	}

	s.wg.Add(1)
	go s.handleRequest(req)
}

// handleRequest runs one request through the chain and sends the response.
// The dispatch loop never waits for it.
func (s *Server) handleRequest(req *message.Envelope) {
	defer s.wg.Done()

	var resp *message.Envelope
	if req.Method == message.ReadinessMethod {
		// Acknowledged here, middleware never sees probes
		resp = message.NewResponse(req, nil, "")
	} else {
		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		resp = s.invoke(handler, req)
	}
	if resp == nil {
		resp = message.NewResponse(req, nil, "internal error: no response")
	}
	resp.RequestID = req.RequestID
	resp.Method = req.Method
	resp.IsRequest = false
	resp.ChunkInfo = nil
	s.respond(resp)
}

// invoke guards against panics raised by middleware outside businessHandler.
func (s *Server) invoke(handler middleware.HandlerFunc, req *message.Envelope) (resp *message.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("middleware panicked", zap.String("method", req.Method), zap.Any("panic", r))
			resp = message.NewResponse(req, nil, fmt.Sprintf("panic: %v", r))
		}
	}()
	return handler(s.ctx, req)
}

// respond sends resp. Error responses always travel as one envelope, so their
// text is cut to the effective payload size and the payload dropped. A
// response refused as too large is replaced by a ResponseTooLargeError.
func (s *Server) respond(resp *message.Envelope) {
	if resp.Failed() {
		resp.Payload = nil
		resp.Error = truncate(resp.Error, s.cfg.EffectivePayloadSize())
	}
	err := s.sender.Send(context.Background(), resp)
	if errors.Is(err, bridge.ErrMessageTooLarge) && !resp.Failed() {
		// Tell the caller instead of leaving it waiting
		s.log.Warn("response too large",
			zap.String("request_id", resp.RequestID),
			zap.String("method", resp.Method),
			zap.Int("size", len(resp.Payload)))
		failed := &message.Envelope{RequestID: resp.RequestID, Method: resp.Method, Error: ResponseTooLargeError}
		err = s.sender.Send(context.Background(), failed)
	}
	if err != nil {
		s.log.Warn("send response",
			zap.String("request_id", resp.RequestID),
			zap.String("method", resp.Method),
			zap.Error(err))
	}
}

// businessHandler is the innermost handler of the middleware chain: it looks the
// method up in the dispatch table and turns handler errors and panics into
// error responses.
func (s *Server) businessHandler(ctx context.Context, req *message.Envelope) (resp *message.Envelope) {
	v, ok := s.handlers.GetStringKey(req.Method)
	if !ok {
		return message.NewResponse(req, nil, message.UnknownMethodError(req.Method))
	}
	h := v.(Handler)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked",
				zap.String("request_id", req.RequestID),
				zap.String("method", req.Method),
				zap.Any("panic", r))
			resp = message.NewResponse(req, nil, fmt.Sprintf("panic: %v", r))
		}
	}()
	payload, err := h(ctx, req.Payload)
	if err != nil {
		text := err.Error()
		if text == "" {
			text = "handler failed"
		}
		return message.NewResponse(req, nil, text)
	}
	return message.NewResponse(req, payload, "")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
