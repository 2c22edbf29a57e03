package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webview-rpc/bridge"
	"webview-rpc/chunk"
	"webview-rpc/codec"
	"webview-rpc/config"
	"webview-rpc/message"
	"webview-rpc/protocol"
)

func collect(t *testing.T, sub *bridge.Subscription, n int) []*message.Envelope {
	t.Helper()
	c := codec.GetCodec(codec.CodecTypeProtobuf)
	envs := make([]*message.Envelope, 0, n)
	for len(envs) < n {
		select {
		case s := <-sub.C():
			env, err := protocol.DecodeString(c, s)
			require.NoError(t, err)
			envs = append(envs, env)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", len(envs), n)
		}
	}
	return envs
}

func newTestSender(t *testing.T, maxSize int) (*Sender, *bridge.Subscription, *config.Config) {
	t.Helper()
	cfg := config.New()
	require.NoError(t, cfg.SetMaxEncodedMessageSize(maxSize))
	host, view := bridge.NewPipe(bridge.WithMaxMessageSize(maxSize))
	sub := view.Subscribe()
	t.Cleanup(sub.Close)
	return NewSender(host, cfg, nil), sub, cfg
}

func TestSendSingle(t *testing.T) {
	s, sub, cfg := newTestSender(t, 900)
	payload := bytes.Repeat([]byte{'a'}, cfg.EffectivePayloadSize())
	env := &message.Envelope{RequestID: "r1", IsRequest: true, Method: "M.N", Payload: payload}

	require.NoError(t, s.Send(context.Background(), env))
	got := collect(t, sub, 1)[0]
	assert.Nil(t, got.ChunkInfo)
	assert.True(t, bytes.Equal(payload, got.Payload))
}

func TestSendChunked(t *testing.T) {
	s, sub, _ := newTestSender(t, 900)
	payload := make([]byte, 6000)
	for i := range payload {
		payload[i] = byte(i)
	}
	env := &message.Envelope{RequestID: "r2", IsRequest: true, Method: "HelloService.SayHello", Payload: payload}

	require.NoError(t, s.Send(context.Background(), env))
	envs := collect(t, sub, 15)

	assembler := chunk.NewAssembler(config.New(), nil)
	var complete *message.Envelope
	for i, got := range envs {
		require.NotNil(t, got.ChunkInfo)
		assert.Equal(t, i+1, got.ChunkInfo.Index, "chunks go out in index order")
		assert.Equal(t, 15, got.ChunkInfo.Total)
		assert.Equal(t, 6000, got.ChunkInfo.OriginalSize)
		assert.Equal(t, "r2", got.RequestID)
		assert.LessOrEqual(t, len(got.Payload), 419)
		complete, _ = assembler.TryAssemble(got)
	}
	require.NotNil(t, complete)
	assert.True(t, bytes.Equal(payload, complete.Payload))
}

func TestSendChunkingDisabled(t *testing.T) {
	s, sub, cfg := newTestSender(t, 4096)
	cfg.SetChunkingEnabled(false)
	payload := bytes.Repeat([]byte{'b'}, cfg.EffectivePayloadSize()+1)

	require.NoError(t, s.Send(context.Background(), &message.Envelope{RequestID: "r", Method: "M.N", Payload: payload}))
	got := collect(t, sub, 1)[0]
	assert.Nil(t, got.ChunkInfo)
	assert.Len(t, got.Payload, len(payload))
}

func TestSendChunkingDisabledOverCeiling(t *testing.T) {
	s, _, cfg := newTestSender(t, 900)
	cfg.SetChunkingEnabled(false)
	err := s.Send(context.Background(), &message.Envelope{RequestID: "r", Method: "M.N", Payload: make([]byte, 6000)})
	assert.ErrorIs(t, err, bridge.ErrMessageTooLarge)
}

func TestSendRefusesOversizedString(t *testing.T) {
	cfg := config.New()
	require.NoError(t, cfg.SetMaxEncodedMessageSize(900))
	cfg.SetChunkingEnabled(false)
	// No ceiling on the bridge itself
	host, view := bridge.NewPipe()
	sub := view.Subscribe()
	defer sub.Close()
	s := NewSender(host, cfg, nil)

	err := s.Send(context.Background(), &message.Envelope{RequestID: "r", Method: "M.N", Payload: make([]byte, 2000)})
	assert.ErrorIs(t, err, bridge.ErrMessageTooLarge)
	select {
	case <-sub.C():
		t.Fatal("oversized message reached the bridge")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendChunkedJSONFitsCeiling(t *testing.T) {
	s, sub, cfg := newTestSender(t, 900)
	require.NoError(t, cfg.SetCodec(codec.CodecTypeJSON))
	payload := bytes.Repeat([]byte{0xff}, 6000)
	env := &message.Envelope{RequestID: "0123456789abcdef0123456789abcdef", IsRequest: true, Method: "Blob.Echo", Payload: payload}

	require.NoError(t, s.Send(context.Background(), env))
	n := (6000 + cfg.EffectivePayloadSize() - 1) / cfg.EffectivePayloadSize()
	c := codec.GetCodec(codec.CodecTypeJSON)
	assembler := chunk.NewAssembler(cfg, nil)
	var complete *message.Envelope
	for i := 0; i < n; i++ {
		select {
		case str := <-sub.C():
			assert.LessOrEqual(t, len(str), 900)
			got, err := protocol.DecodeString(c, str)
			require.NoError(t, err)
			complete, _ = assembler.TryAssemble(got)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d chunks", i, n)
		}
	}
	require.NotNil(t, complete)
	assert.True(t, bytes.Equal(payload, complete.Payload))
}

func TestSendErrorNeverChunked(t *testing.T) {
	s, sub, _ := newTestSender(t, 4096)
	// 3000 bytes would be chunked at this size if it were not an error response
	env := &message.Envelope{RequestID: "r", Method: "M.N", Error: "boom", Payload: make([]byte, 3000)}
	require.NoError(t, s.Send(context.Background(), env))
	got := collect(t, sub, 1)[0]
	assert.Nil(t, got.ChunkInfo)
	assert.Equal(t, "boom", got.Error)
}

func TestSendCancelled(t *testing.T) {
	s, _, _ := newTestSender(t, 900)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Send(ctx, &message.Envelope{RequestID: "r", Method: "M.N", Payload: make([]byte, 6000)})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSendPaced(t *testing.T) {
	s, sub, cfg := newTestSender(t, 900)
	require.NoError(t, cfg.SetChunkRate(100))

	start := time.Now()
	require.NoError(t, s.Send(context.Background(), &message.Envelope{RequestID: "r", Method: "M.N", Payload: make([]byte, 419*5)}))
	collect(t, sub, 5)
	// burst of one, then 10ms per chunk
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestSendPacingHonoursDeadline(t *testing.T) {
	s, _, cfg := newTestSender(t, 900)
	require.NoError(t, cfg.SetChunkRate(1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, &message.Envelope{RequestID: "r", Method: "M.N", Payload: make([]byte, 419*3)})
	assert.Error(t, err)
}
