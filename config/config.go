// Package config holds the knobs shared by a Client and a Server.
//
// A Config is an explicit value handed to constructors instead of a process-wide
// global. Values change only through validated setters and are read on every send,
// so a change made while calls are in flight applies to the next message.
package config

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"webview-rpc/codec"
	"webview-rpc/protocol"
)

const (
	// MinimumPayloadSize is the floor for EffectivePayloadSize.
	MinimumPayloadSize = 100

	// EnvelopeOverhead is the raw-byte allowance reserved for envelope fields
	// other than the payload (ids, method name, chunk info, tags).
	EnvelopeOverhead = 256

	// JSONEnvelopeOverhead replaces EnvelopeOverhead for the JSON codec, whose
	// field names and quoting cost more than the binary encodings.
	JSONEnvelopeOverhead = 384

	// MaxEncodedMessageSizeLimit caps SetMaxEncodedMessageSize.
	MaxEncodedMessageSizeLimit = 10 * 1024 * 1024

	MinReassemblyTimeout = 5 * time.Second
	MaxReassemblyTimeout = 300 * time.Second
)

const (
	DefaultMaxEncodedMessageSize     = 256 * 1024
	DefaultReassemblyTimeout         = 30 * time.Second
	DefaultMaxConcurrentReassemblies = 100
	DefaultProbeInterval             = 500 * time.Millisecond
	DefaultReadyTimeout              = 10 * time.Second
)

// ErrInvalid matches every *Error.
var ErrInvalid = errors.New("config: invalid value")

// Error reports a rejected setter call. The configuration is left unchanged.
type Error struct {
	Field  string
	Value  any
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *Error) Is(target error) bool { return target == ErrInvalid }

// Config is safe for concurrent use.
type Config struct {
	mu sync.RWMutex

	maxEncodedMessageSize     int
	chunkingEnabled           bool
	reassemblyTimeout         time.Duration
	maxConcurrentReassemblies int
	chunkRate                 float64
	callTimeout               time.Duration
	probeInterval             time.Duration
	readyTimeout              time.Duration
	codec                     codec.CodecType
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{
		maxEncodedMessageSize:     DefaultMaxEncodedMessageSize,
		chunkingEnabled:           true,
		reassemblyTimeout:         DefaultReassemblyTimeout,
		maxConcurrentReassemblies: DefaultMaxConcurrentReassemblies,
		probeInterval:             DefaultProbeInterval,
		readyTimeout:              DefaultReadyTimeout,
		codec:                     codec.CodecTypeProtobuf,
	}
}

// MinimumSafeMessageSize is the smallest accepted max encoded message size: the
// transport length of a minimum payload plus the envelope overhead.
func MinimumSafeMessageSize() int {
	return protocol.EncodedLen(MinimumPayloadSize + EnvelopeOverhead)
}

// MinimumSafeMessageSizeFor is MinimumSafeMessageSize for codec t. The JSON
// codec carries the payload as base64 inside the envelope, so it is inflated
// twice on its way to the transport string.
func MinimumSafeMessageSizeFor(t codec.CodecType) int {
	if t == codec.CodecTypeJSON {
		return protocol.EncodedLen(protocol.EncodedLen(MinimumPayloadSize) + JSONEnvelopeOverhead)
	}
	return MinimumSafeMessageSize()
}

// payloadBudget is the raw payload that fits in one transport string of
// maxSize bytes with codec t. Base64 rounds to whole quanta, so the budget at
// MinimumSafeMessageSizeFor(t) may exceed MinimumPayloadSize by a few bytes.
func payloadBudget(t codec.CodecType, maxSize int) int {
	if t == codec.CodecTypeJSON {
		return protocol.DecodedLen(protocol.DecodedLen(maxSize) - JSONEnvelopeOverhead)
	}
	return protocol.DecodedLen(maxSize) - EnvelopeOverhead
}

func (c *Config) MaxEncodedMessageSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxEncodedMessageSize
}

// SetMaxEncodedMessageSize rejects sizes below the minimum safe size of the
// current codec.
func (c *Config) SetMaxEncodedMessageSize(n int) error {
	if n > MaxEncodedMessageSizeLimit {
		return &Error{Field: "max encoded message size", Value: n,
			Reason: fmt.Sprintf("above limit %d", MaxEncodedMessageSizeLimit)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if floor := MinimumSafeMessageSizeFor(c.codec); n < floor {
		return &Error{Field: "max encoded message size", Value: n,
			Reason: fmt.Sprintf("below minimum safe size %d for %s", floor, c.codec)}
	}
	c.maxEncodedMessageSize = n
	return nil
}

// EffectivePayloadSize is the largest payload that still fits in one encoded
// message with the current codec. It is derived from the current values on
// every call.
func (c *Config) EffectivePayloadSize() int {
	c.mu.RLock()
	size := payloadBudget(c.codec, c.maxEncodedMessageSize)
	c.mu.RUnlock()
	if size < MinimumPayloadSize {
		return MinimumPayloadSize
	}
	return size
}

func (c *Config) ChunkingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chunkingEnabled
}

func (c *Config) SetChunkingEnabled(enabled bool) {
	c.mu.Lock()
	c.chunkingEnabled = enabled
	c.mu.Unlock()
}

func (c *Config) ReassemblyTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reassemblyTimeout
}

func (c *Config) SetReassemblyTimeout(d time.Duration) error {
	if d < MinReassemblyTimeout || d > MaxReassemblyTimeout {
		return &Error{Field: "reassembly timeout", Value: d,
			Reason: fmt.Sprintf("outside [%s, %s]", MinReassemblyTimeout, MaxReassemblyTimeout)}
	}
	c.mu.Lock()
	c.reassemblyTimeout = d
	c.mu.Unlock()
	return nil
}

func (c *Config) MaxConcurrentReassemblies() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxConcurrentReassemblies
}

func (c *Config) SetMaxConcurrentReassemblies(n int) error {
	if n < 1 {
		return &Error{Field: "max concurrent reassemblies", Value: n, Reason: "must be at least 1"}
	}
	c.mu.Lock()
	c.maxConcurrentReassemblies = n
	c.mu.Unlock()
	return nil
}

// ChunkRate is the outbound chunk rate per second. Zero sends chunks unpaced.
func (c *Config) ChunkRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chunkRate
}

func (c *Config) SetChunkRate(perSecond float64) error {
	if perSecond < 0 || math.IsNaN(perSecond) || math.IsInf(perSecond, 0) {
		return &Error{Field: "chunk rate", Value: perSecond, Reason: "must be a non-negative number"}
	}
	c.mu.Lock()
	c.chunkRate = perSecond
	c.mu.Unlock()
	return nil
}

// CallTimeout bounds calls whose context has no deadline. Zero means no bound.
func (c *Config) CallTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callTimeout
}

func (c *Config) SetCallTimeout(d time.Duration) error {
	if d < 0 {
		return &Error{Field: "call timeout", Value: d, Reason: "must not be negative"}
	}
	c.mu.Lock()
	c.callTimeout = d
	c.mu.Unlock()
	return nil
}

func (c *Config) ProbeInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.probeInterval
}

func (c *Config) SetProbeInterval(d time.Duration) error {
	if d <= 0 {
		return &Error{Field: "probe interval", Value: d, Reason: "must be positive"}
	}
	c.mu.Lock()
	c.probeInterval = d
	c.mu.Unlock()
	return nil
}

func (c *Config) ReadyTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readyTimeout
}

func (c *Config) SetReadyTimeout(d time.Duration) error {
	if d <= 0 {
		return &Error{Field: "ready timeout", Value: d, Reason: "must be positive"}
	}
	c.mu.Lock()
	c.readyTimeout = d
	c.mu.Unlock()
	return nil
}

func (c *Config) Codec() codec.CodecType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codec
}

// SetCodec rejects a codec whose minimum safe size exceeds the current max
// encoded message size.
func (c *Config) SetCodec(t codec.CodecType) error {
	switch t {
	case codec.CodecTypeProtobuf, codec.CodecTypeMsgpack, codec.CodecTypeJSON:
	default:
		return &Error{Field: "codec", Value: t, Reason: "unknown codec"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if floor := MinimumSafeMessageSizeFor(t); c.maxEncodedMessageSize < floor {
		return &Error{Field: "codec", Value: t,
			Reason: fmt.Sprintf("needs a max encoded message size of at least %d", floor)}
	}
	c.codec = t
	return nil
}

// Clone returns an independent copy of the current values.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		maxEncodedMessageSize:     c.maxEncodedMessageSize,
		chunkingEnabled:           c.chunkingEnabled,
		reassemblyTimeout:         c.reassemblyTimeout,
		maxConcurrentReassemblies: c.maxConcurrentReassemblies,
		chunkRate:                 c.chunkRate,
		callTimeout:               c.callTimeout,
		probeInterval:             c.probeInterval,
		readyTimeout:              c.readyTimeout,
		codec:                     c.codec,
	}
}
