package bridge

import "sync"

// PipeOption configures NewPipe.
type PipeOption func(*pipeOptions)

type pipeOptions struct {
	maxMessageSize int
}

// WithMaxMessageSize makes Send reject messages longer than n characters,
// like a platform channel with a payload ceiling. Zero means unlimited.
func WithMaxMessageSize(n int) PipeOption {
	return func(o *pipeOptions) { o.maxMessageSize = n }
}

// PipeEnd is one side of an in-memory bridge.
type PipeEnd struct {
	Hub
	peer    *PipeEnd
	maxSize int

	mu     sync.RWMutex
	filter func(string) bool
	closed bool
}

// NewPipe returns two connected ends: what one end sends, the other end's
// subscribers receive.
func NewPipe(opts ...PipeOption) (*PipeEnd, *PipeEnd) {
	var o pipeOptions
	for _, opt := range opts {
		opt(&o)
	}
	a := &PipeEnd{maxSize: o.maxMessageSize}
	b := &PipeEnd{maxSize: o.maxMessageSize}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeEnd) Send(msg string) error {
	p.mu.RLock()
	closed, filter := p.closed, p.filter
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if p.maxSize > 0 && len(msg) > p.maxSize {
		return ErrMessageTooLarge
	}
	if filter != nil && !filter(msg) {
		return nil
	}
	p.peer.Publish(msg)
	return nil
}

// SetFilter installs f on outbound messages. Messages for which f returns false
// are silently lost, as on a lossy platform channel.
func (p *PipeEnd) SetFilter(f func(msg string) bool) {
	p.mu.Lock()
	p.filter = f
	p.mu.Unlock()
}

// Close stops this end: Send fails and local subscriptions end.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Shutdown()
	return nil
}
