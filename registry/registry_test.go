package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	require.NoError(t, reg.Register(ctx, "webview", "HelloService.SayHello", 10*time.Second))
	require.NoError(t, reg.Register(ctx, "webview", "Echo.Echo", 10*time.Second))
	require.NoError(t, reg.Register(ctx, "host", "Host.Ping", 10*time.Second))

	methods, err := reg.Discover(ctx, "webview")
	require.NoError(t, err)
	assert.Equal(t, []string{"Echo.Echo", "HelloService.SayHello"}, methods)

	require.NoError(t, reg.Deregister(ctx, "webview", "Echo.Echo"))
	methods, err = reg.Discover(ctx, "webview")
	require.NoError(t, err)
	assert.Equal(t, []string{"HelloService.SayHello"}, methods)
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	now := time.Unix(1700000000, 0)
	reg.now = func() time.Time { return now }

	require.NoError(t, reg.Register(ctx, "webview", "Echo.Echo", time.Second))
	now = now.Add(2 * time.Second)
	methods, err := reg.Discover(ctx, "webview")
	require.NoError(t, err)
	assert.Empty(t, methods)
}

func TestMemoryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()
	updates := reg.Watch(ctx, "webview")

	require.NoError(t, reg.Register(context.Background(), "webview", "Echo.Echo", time.Minute))
	select {
	case methods := <-updates:
		assert.Equal(t, []string{"Echo.Echo"}, methods)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	for range updates {
	}
}

// 需要本地 etcd (localhost:2379)，不可用时跳过
func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, nil)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		t.Skipf("etcd not reachable: %v", err)
	}

	endpoint := "test-" + time.Now().Format("150405.000000")
	require.NoError(t, reg.Register(ctx, endpoint, "Echo.Echo", 10*time.Second))
	require.NoError(t, reg.Register(ctx, endpoint, "Echo.Size", 10*time.Second))

	methods, err := reg.Discover(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, []string{"Echo.Echo", "Echo.Size"}, methods)

	require.NoError(t, reg.Deregister(ctx, endpoint, "Echo.Echo"))
	methods, err = reg.Discover(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, []string{"Echo.Size"}, methods)

	require.NoError(t, reg.Deregister(ctx, endpoint, "Echo.Size"))
}
