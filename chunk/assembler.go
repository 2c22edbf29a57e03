package chunk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"

	"webview-rpc/config"
	"webview-rpc/message"
)

var (
	// ErrReassemblyTimeout is reported for a set that saw no chunk within the reassembly timeout.
	ErrReassemblyTimeout = errors.New("chunk: reassembly timed out")

	// ErrReassemblyEvicted is reported for the least recently active set when a new
	// set would exceed the concurrent reassembly limit.
	ErrReassemblyEvicted = errors.New("chunk: reassembly evicted")

	// ErrReassemblyCorrupted matches every *ReassemblyError.
	ErrReassemblyCorrupted = errors.New("chunk: reassembly corrupted")
)

// ReassemblyError describes a set whose chunks did not add up to the announced message.
type ReassemblyError struct {
	RequestID    string
	ExpectedSize int
	ActualSize   int
	Missing      []int
}

func (e *ReassemblyError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("chunk: reassembly of %s corrupted: missing chunks %v", e.RequestID, e.Missing)
	}
	return fmt.Sprintf("chunk: reassembly of %s corrupted: expected %d bytes, got %d",
		e.RequestID, e.ExpectedSize, e.ActualSize)
}

func (e *ReassemblyError) Is(target error) bool { return target == ErrReassemblyCorrupted }

// Failure names a logical message that will never complete.
type Failure struct {
	RequestID string
	Method    string
	IsRequest bool
	Err       error
}

// Report lists the sets abandoned during one TryAssemble call. Each set is
// reported at most once.
type Report struct {
	Failures []Failure
}

func (r *Report) add(id string, set *chunkSet, err error) {
	r.Failures = append(r.Failures, Failure{RequestID: id, Method: set.method, IsRequest: set.isRequest, Err: err})
}

type chunkSet struct {
	chunks       map[int][]byte
	total        int
	originalSize int
	method       string
	isRequest    bool
	error        string
	lastActivity time.Time
}

// Assembler collects chunk envelopes until their logical message is complete.
// It is safe for concurrent use.
type Assembler struct {
	mu   sync.Mutex
	sets *simplelru.LRU // RequestID -> *chunkSet, least recently active first
	cfg  *config.Config
	log  *zap.Logger
	now  func() time.Time
}

func NewAssembler(cfg *config.Config, logger *zap.Logger) *Assembler {
	if cfg == nil {
		cfg = config.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Eviction is done by hand so it can be reported. The list is resized
	// to the configured limit before each insertion and never overflows.
	sets, err := simplelru.NewLRU(cfg.MaxConcurrentReassemblies(), nil)
	if err != nil {
		panic(err)
	}
	return &Assembler{
		sets: sets,
		cfg:  cfg,
		log:  logger.Named("assembler"),
		now:  time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (a *Assembler) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Len reports the number of open chunk sets.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sets.Len()
}

// TryAssemble feeds one decoded envelope. It returns the complete logical envelope
// when env is self-contained or was the last missing chunk, nil otherwise. The
// report lists every set abandoned during the call; callers fail those ids.
func (a *Assembler) TryAssemble(env *message.Envelope) (*message.Envelope, Report) {
	var report Report
	if env == nil {
		return nil, report
	}
	if !env.IsChunk() {
		return env, report
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	info := env.ChunkInfo
	now := a.now()
	if info.Index < 1 || info.Index > info.Total {
		a.log.Warn("dropping chunk with index out of range",
			zap.String("request_id", env.RequestID),
			zap.Int("chunk_index", info.Index),
			zap.Int("total_chunks", info.Total))
		a.sweep(now, &report)
		return nil, report
	}

	var set *chunkSet
	if v, ok := a.sets.Peek(env.RequestID); ok {
		set = v.(*chunkSet)
		if info.Total != set.total || info.OriginalSize != set.originalSize {
			a.log.Warn("dropping inconsistent chunk",
				zap.String("request_id", env.RequestID),
				zap.String("method", env.Method),
				zap.Int("chunk_index", info.Index),
				zap.Int("total_chunks", info.Total),
				zap.Int("expected_total", set.total),
				zap.Int("size", info.OriginalSize),
				zap.Int("expected_size", set.originalSize))
			a.sweep(now, &report)
			return nil, report
		}
	} else {
		a.makeRoom(&report)
		set = &chunkSet{
			chunks:       make(map[int][]byte, info.Total),
			total:        info.Total,
			originalSize: info.OriginalSize,
			method:       env.Method,
			isRequest:    env.IsRequest,
		}
	}

	set.chunks[info.Index] = env.Payload
	set.lastActivity = now
	if info.Index == 1 {
		set.method = env.Method
		set.isRequest = env.IsRequest
		set.error = env.Error
	}
	a.sets.Add(env.RequestID, set)

	if len(set.chunks) == set.total {
		a.sets.Remove(env.RequestID)
		complete, err := set.assemble(env.RequestID)
		if err != nil {
			a.log.Error("chunk reassembly failed",
				zap.String("request_id", env.RequestID),
				zap.String("method", set.method),
				zap.Int("total_chunks", set.total),
				zap.Error(err))
			report.add(env.RequestID, set, err)
		}
		return complete, report
	}

	a.sweep(now, &report)
	return nil, report
}

// makeRoom evicts least recently active sets until one more fits.
func (a *Assembler) makeRoom(report *Report) {
	limit := a.cfg.MaxConcurrentReassemblies()
	for a.sets.Len() >= limit {
		key, v, ok := a.sets.RemoveOldest()
		if !ok {
			break
		}
		id := key.(string)
		set := v.(*chunkSet)
		a.log.Warn("evicting chunk set",
			zap.String("request_id", id),
			zap.String("method", set.method),
			zap.Int("received", len(set.chunks)),
			zap.Int("total_chunks", set.total))
		report.add(id, set, ErrReassemblyEvicted)
	}
	a.sets.Resize(limit)
}

// sweep drops sets idle for longer than the reassembly timeout. Keys come
// oldest first, so the walk stops at the first live set.
func (a *Assembler) sweep(now time.Time, report *Report) {
	cutoff := now.Add(-a.cfg.ReassemblyTimeout())
	for _, key := range a.sets.Keys() {
		v, ok := a.sets.Peek(key)
		if !ok {
			continue
		}
		set := v.(*chunkSet)
		if !set.lastActivity.Before(cutoff) {
			break
		}
		a.sets.Remove(key)
		id := key.(string)
		a.log.Warn("removed incomplete chunk set after timeout",
			zap.String("request_id", id),
			zap.String("method", set.method),
			zap.Int("received", len(set.chunks)),
			zap.Int("total_chunks", set.total))
		report.add(id, set, ErrReassemblyTimeout)
	}
}

func (s *chunkSet) assemble(requestID string) (*message.Envelope, error) {
	var missing []int
	size := 0
	for i := 1; i <= s.total; i++ {
		part, ok := s.chunks[i]
		if !ok {
			missing = append(missing, i)
			continue
		}
		size += len(part)
	}
	if len(missing) > 0 || size != s.originalSize {
		return nil, &ReassemblyError{
			RequestID:    requestID,
			ExpectedSize: s.originalSize,
			ActualSize:   size,
			Missing:      missing,
		}
	}
	payload := make([]byte, 0, size)
	for i := 1; i <= s.total; i++ {
		payload = append(payload, s.chunks[i]...)
	}
	return &message.Envelope{
		RequestID: requestID,
		IsRequest: s.isRequest,
		Method:    s.method,
		Payload:   payload,
		Error:     s.error,
	}, nil
}
