package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webview-rpc/config"
	"webview-rpc/message"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAssembler(t *testing.T, cfg *config.Config) (*Assembler, *fakeClock) {
	t.Helper()
	if cfg == nil {
		cfg = config.New()
	}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	a := NewAssembler(cfg, nil)
	a.SetClock(clock.now)
	return a, clock
}

func chunkEnvelopes(id, method string, payload []byte, size int) []*message.Envelope {
	parts := Split(payload, size)
	envs := make([]*message.Envelope, len(parts))
	for i, part := range parts {
		envs[i] = &message.Envelope{
			RequestID: id,
			IsRequest: true,
			Method:    method,
			Payload:   part,
			ChunkInfo: &message.ChunkInfo{Index: i + 1, Total: len(parts), OriginalSize: len(payload)},
		}
	}
	return envs
}

func feed(t *testing.T, a *Assembler, envs []*message.Envelope) *message.Envelope {
	t.Helper()
	var complete *message.Envelope
	for i, env := range envs {
		out, report := a.TryAssemble(env)
		require.Empty(t, report.Failures)
		if i < len(envs)-1 {
			require.Nil(t, out, "completed early at %d", i)
		} else {
			complete = out
		}
	}
	return complete
}

func TestPassThrough(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	env := &message.Envelope{RequestID: "1", IsRequest: true, Method: "A.B", Payload: []byte("x")}
	out, report := a.TryAssemble(env)
	assert.Same(t, env, out)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 0, a.Len())
}

func TestAssembleOrders(t *testing.T) {
	payload := pattern(6000)
	orders := map[string]func([]*message.Envelope){
		"in order": func([]*message.Envelope) {},
		"reverse": func(envs []*message.Envelope) {
			for i, j := 0, len(envs)-1; i < j; i, j = i+1, j-1 {
				envs[i], envs[j] = envs[j], envs[i]
			}
		},
		"shuffled": func(envs []*message.Envelope) {
			r := rand.New(rand.NewSource(42))
			r.Shuffle(len(envs), func(i, j int) { envs[i], envs[j] = envs[j], envs[i] })
		},
	}
	for name, reorder := range orders {
		t.Run(name, func(t *testing.T) {
			a, _ := newTestAssembler(t, nil)
			envs := chunkEnvelopes("req-1", "HelloService.SayHello", payload, 419)
			require.Len(t, envs, 15)
			reorder(envs)

			out := feed(t, a, envs)
			require.NotNil(t, out)
			assert.Equal(t, "req-1", out.RequestID)
			assert.Equal(t, "HelloService.SayHello", out.Method)
			assert.True(t, out.IsRequest)
			assert.Nil(t, out.ChunkInfo)
			assert.True(t, bytes.Equal(payload, out.Payload))
			assert.Equal(t, 0, a.Len())
		})
	}
}

func TestAssembleLengths(t *testing.T) {
	const p = 100
	for _, n := range []int{1, p - 1, p, p + 1, 10 * p, 10*p + 1} {
		a, _ := newTestAssembler(t, nil)
		payload := pattern(n)
		out := feed(t, a, chunkEnvelopes(fmt.Sprint(n), "M.N", payload, p))
		require.NotNil(t, out, "length %d", n)
		assert.True(t, bytes.Equal(payload, out.Payload), "length %d", n)
	}
}

func TestAssembleCarriesErrorFromFirstChunk(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	envs := chunkEnvelopes("r", "M.N", pattern(250), 100)
	for _, env := range envs {
		env.IsRequest = false
	}
	envs[0].Error = "partial"
	out := feed(t, a, []*message.Envelope{envs[2], envs[0], envs[1]})
	require.NotNil(t, out)
	assert.False(t, out.IsRequest)
	assert.Equal(t, "partial", out.Error)
}

func TestInterleavedSets(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	first := chunkEnvelopes("a", "M.A", pattern(300), 100)
	second := chunkEnvelopes("b", "M.B", pattern(500), 100)

	var done []*message.Envelope
	for i := 0; i < len(second); i++ {
		if i < len(first) {
			if out, _ := a.TryAssemble(first[i]); out != nil {
				done = append(done, out)
			}
		}
		if out, _ := a.TryAssemble(second[i]); out != nil {
			done = append(done, out)
		}
	}
	require.Len(t, done, 2)
	assert.Equal(t, "a", done[0].RequestID)
	assert.Equal(t, "b", done[1].RequestID)
	assert.Len(t, done[1].Payload, 500)
}

func TestTimeoutReportedOnce(t *testing.T) {
	a, clock := newTestAssembler(t, nil)
	stale := chunkEnvelopes("stale", "M.Stale", pattern(300), 100)
	out, report := a.TryAssemble(stale[0])
	require.Nil(t, out)
	require.Empty(t, report.Failures)

	clock.advance(config.DefaultReassemblyTimeout + time.Second)

	fresh := chunkEnvelopes("fresh", "M.Fresh", pattern(300), 100)
	_, report = a.TryAssemble(fresh[0])
	require.Len(t, report.Failures, 1)
	failure := report.Failures[0]
	assert.Equal(t, "stale", failure.RequestID)
	assert.Equal(t, "M.Stale", failure.Method)
	assert.True(t, errors.Is(failure.Err, ErrReassemblyTimeout))
	assert.Equal(t, 1, a.Len())

	// Late chunks of the swept set start a new set, they never resurrect the old one
	_, report = a.TryAssemble(fresh[1])
	assert.Empty(t, report.Failures)
}

func TestTimeoutKeepsActiveSets(t *testing.T) {
	a, clock := newTestAssembler(t, nil)
	envs := chunkEnvelopes("slow", "M.N", pattern(300), 100)
	for _, env := range envs[:2] {
		_, report := a.TryAssemble(env)
		require.Empty(t, report.Failures)
		clock.advance(20 * time.Second)
	}
	out, report := a.TryAssemble(envs[2])
	assert.Empty(t, report.Failures)
	require.NotNil(t, out)
}

func TestCapacityEviction(t *testing.T) {
	cfg := config.New()
	require.NoError(t, cfg.SetMaxConcurrentReassemblies(2))
	a, clock := newTestAssembler(t, cfg)

	sets := map[string][]*message.Envelope{}
	for _, id := range []string{"a", "b", "c"} {
		sets[id] = chunkEnvelopes(id, "M."+id, pattern(300), 100)
	}
	_, report := a.TryAssemble(sets["a"][0])
	require.Empty(t, report.Failures)
	clock.advance(time.Second)
	_, report = a.TryAssemble(sets["b"][0])
	require.Empty(t, report.Failures)
	clock.advance(time.Second)
	// Touch "a" so that "b" becomes the least recently active
	_, report = a.TryAssemble(sets["a"][1])
	require.Empty(t, report.Failures)

	_, report = a.TryAssemble(sets["c"][0])
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "b", report.Failures[0].RequestID)
	assert.True(t, errors.Is(report.Failures[0].Err, ErrReassemblyEvicted))
	assert.Equal(t, 2, a.Len())

	out, report := a.TryAssemble(sets["a"][2])
	assert.Empty(t, report.Failures)
	require.NotNil(t, out)
	assert.Equal(t, "a", out.RequestID)
}

func TestCorruptedSize(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	envs := chunkEnvelopes("bad", "M.N", pattern(250), 100)
	envs[1].Payload = envs[1].Payload[:50]

	var report Report
	var out *message.Envelope
	for _, env := range envs {
		out, report = a.TryAssemble(env)
	}
	assert.Nil(t, out)
	require.Len(t, report.Failures, 1)
	err := report.Failures[0].Err
	assert.True(t, errors.Is(err, ErrReassemblyCorrupted))
	var reassemblyErr *ReassemblyError
	require.True(t, errors.As(err, &reassemblyErr))
	assert.Equal(t, 250, reassemblyErr.ExpectedSize)
	assert.Equal(t, 200, reassemblyErr.ActualSize)
	assert.Equal(t, 0, a.Len())
}

func TestInconsistentChunkDropped(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	envs := chunkEnvelopes("r", "M.N", pattern(300), 100)
	_, report := a.TryAssemble(envs[0])
	require.Empty(t, report.Failures)

	odd := *envs[1]
	odd.ChunkInfo = &message.ChunkInfo{Index: 2, Total: 4, OriginalSize: 400}
	out, report := a.TryAssemble(&odd)
	assert.Nil(t, out)
	assert.Empty(t, report.Failures)

	_, _ = a.TryAssemble(envs[1])
	out, _ = a.TryAssemble(envs[2])
	require.NotNil(t, out)
	assert.Len(t, out.Payload, 300)
}

func TestDuplicateChunk(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	envs := chunkEnvelopes("dup", "M.N", pattern(300), 100)
	for _, env := range []*message.Envelope{envs[0], envs[0], envs[1]} {
		out, _ := a.TryAssemble(env)
		assert.Nil(t, out)
	}
	out, _ := a.TryAssemble(envs[2])
	require.NotNil(t, out)
}
