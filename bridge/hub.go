package bridge

import "sync"

const subscriptionBuffer = 256

// Subscription is one inbound queue. C is closed once the subscription is closed
// or its bridge shuts down.
type Subscription struct {
	hub  *Hub
	ch   chan string
	done chan struct{}
	once sync.Once
}

func (s *Subscription) C() <-chan string { return s.ch }

// Close unsubscribes. Messages still queued are discarded.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

// Hub fans published messages out to every live subscription. Bridge
// implementations embed it and publish what they receive from the platform.
//
// Publish blocks while a subscriber's queue is full, so a slow reader pushes
// back on the platform instead of losing messages.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub:  h,
		ch:   make(chan string, subscriptionBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.done)
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	if h.subs == nil {
		h.subs = make(map[*Subscription]struct{})
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers msg to every subscription. With no subscribers the message
// is dropped, as a platform channel with no listener would.
func (h *Hub) Publish(msg string) {
	// Channels are closed only under the write lock, so sending under the
	// read lock never hits a closed channel.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Shutdown closes every subscription and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
	h.mu.Lock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}
