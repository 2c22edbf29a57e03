package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps entries in process. It backs tests and single-process
// deployments where etcd is not available.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string]map[string]time.Time // endpoint -> method -> expiry
	watchers map[string][]chan []string
	now      func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string]map[string]time.Time),
		watchers: make(map[string][]chan []string),
		now:      time.Now,
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, endpoint, method string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	methods, ok := r.entries[endpoint]
	if !ok {
		methods = make(map[string]time.Time)
		r.entries[endpoint] = methods
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = r.now().Add(ttl)
	}
	methods[method] = expiry
	r.notify(endpoint)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, endpoint, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if methods, ok := r.entries[endpoint]; ok {
		delete(methods, method)
		if len(methods) == 0 {
			delete(r.entries, endpoint)
		}
	}
	r.notify(endpoint)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, endpoint string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(endpoint), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, endpoint string) <-chan []string {
	ch := make(chan []string, 1)
	r.mu.Lock()
	r.watchers[endpoint] = append(r.watchers[endpoint], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[endpoint]
		for i, w := range watchers {
			if w == ch {
				r.watchers[endpoint] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list drops expired entries and returns the live ones. Callers hold r.mu.
func (r *MemoryRegistry) list(endpoint string) []string {
	now := r.now()
	methods := make([]string, 0, len(r.entries[endpoint]))
	for method, expiry := range r.entries[endpoint] {
		if !expiry.IsZero() && now.After(expiry) {
			delete(r.entries[endpoint], method)
			continue
		}
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

// notify hands watchers the latest list, replacing a snapshot they have not read yet.
func (r *MemoryRegistry) notify(endpoint string) {
	methods := r.list(endpoint)
	for _, ch := range r.watchers[endpoint] {
		select {
		case <-ch:
		default:
		}
		ch <- methods
	}
}
