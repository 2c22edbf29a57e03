package bridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) string {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return ""
}

func TestPipeDelivers(t *testing.T) {
	host, view := NewPipe()
	sub := view.Subscribe()
	defer sub.Close()

	require.NoError(t, host.Send("hello"))
	assert.Equal(t, "hello", receive(t, sub))

	back := host.Subscribe()
	defer back.Close()
	require.NoError(t, view.Send("world"))
	assert.Equal(t, "world", receive(t, back))
}

func TestPipeFanOut(t *testing.T) {
	host, view := NewPipe()
	first, second := view.Subscribe(), view.Subscribe()
	require.Equal(t, 2, view.Subscribers())

	require.NoError(t, host.Send("m"))
	assert.Equal(t, "m", receive(t, first))
	assert.Equal(t, "m", receive(t, second))

	first.Close()
	first.Close()
	assert.Equal(t, 1, view.Subscribers())
	_, ok := <-first.C()
	assert.False(t, ok)
}

func TestPipePreservesOrder(t *testing.T) {
	host, view := NewPipe()
	sub := view.Subscribe()
	go func() {
		for i := 0; i < 1000; i++ {
			_ = host.Send(strings.Repeat("x", i%7) + string(rune('a'+i%26)))
		}
	}()
	for i := 0; i < 1000; i++ {
		assert.Equal(t, strings.Repeat("x", i%7)+string(rune('a'+i%26)), receive(t, sub))
	}
}

func TestPipeMaxMessageSize(t *testing.T) {
	host, _ := NewPipe(WithMaxMessageSize(8))
	assert.NoError(t, host.Send("12345678"))
	assert.ErrorIs(t, host.Send("123456789"), ErrMessageTooLarge)
}

func TestPipeFilter(t *testing.T) {
	host, view := NewPipe()
	sub := view.Subscribe()
	host.SetFilter(func(msg string) bool { return msg != "drop" })
	require.NoError(t, host.Send("drop"))
	require.NoError(t, host.Send("keep"))
	assert.Equal(t, "keep", receive(t, sub))
}

func TestPipeClose(t *testing.T) {
	host, _ := NewPipe()
	sub := host.Subscribe()
	require.NoError(t, host.Close())
	assert.ErrorIs(t, host.Send("x"), ErrClosed)
	_, ok := <-sub.C()
	assert.False(t, ok)

	late := host.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
	late.Close()
}

func TestUnsubscribeUnblocksPublisher(t *testing.T) {
	host, view := NewPipe()
	sub := view.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < subscriptionBuffer*2; i++ {
			_ = host.Send("x")
		}
	}()
	time.Sleep(50 * time.Millisecond)
	sub.Close()
	wg.Wait()
}

func TestWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	accepted := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- NewWebSocket(conn, nil)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	client := NewWebSocket(conn, nil)
	defer client.Close()

	server := <-accepted
	serverSub := server.Subscribe()
	clientSub := client.Subscribe()

	require.NoError(t, client.Send("ping"))
	assert.Equal(t, "ping", receive(t, serverSub))
	require.NoError(t, server.Send("pong"))
	assert.Equal(t, "pong", receive(t, clientSub))

	require.NoError(t, server.Close())
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe close")
	}
	_, ok := <-clientSub.C()
	assert.False(t, ok)
	assert.ErrorIs(t, client.Send("late"), ErrClosed)
}
