package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const dialTimeout = 5 * time.Second

// EtcdRegistry implements Registry on etcd v3.
//
// Each method is stored under its own key with a TTL lease. KeepAlive renews the
// lease while the process lives; if it crashes, the lease expires and the entry is
// removed, so no ghost methods remain.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // key -> lease kept alive by this process
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		log:    logger.Named("registry"),
		leases: make(map[string]lease),
	}, nil
}

// Register puts the method key with a lease of ttl and keeps the lease alive.
// Registering the same method again replaces the previous lease.
func (r *EtcdRegistry) Register(ctx context.Context, endpoint, method string, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	grant, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return err
	}

	key := methodKey(endpoint, method)
	if _, err := r.client.Put(ctx, key, method, clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	// KeepAlive outlives ctx, it stops on Deregister or Close
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	old, ok := r.leases[key]
	r.leases[key] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()
	if ok {
		old.cancel()
		if _, err := r.client.Revoke(ctx, old.id); err != nil {
			r.log.Debug("revoke replaced lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Deregister deletes the method key and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, endpoint, method string) error {
	key := methodKey(endpoint, method)
	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			return err
		}
	}
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, endpoint string) ([]string, error) {
	prefix := endpointPrefix(endpoint)
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	methods := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		methods = append(methods, strings.TrimPrefix(string(kv.Key), prefix))
	}
	sort.Strings(methods)
	return methods, nil
}

// Watch uses etcd's server-push watch and re-reads the full list on every event,
// which is simpler than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, endpoint string) <-chan []string {
	ch := make(chan []string, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, endpointPrefix(endpoint), clientv3.WithPrefix())
		for range watchChan {
			methods, err := r.Discover(ctx, endpoint)
			if err != nil {
				r.log.Warn("discover after watch event", zap.String("endpoint", endpoint), zap.Error(err))
				continue
			}
			select {
			case ch <- methods:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keepalive and closes the etcd client. Leases of this process
// expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
