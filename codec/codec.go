package codec

import (
	"errors"
	"fmt"
	"strings"

	"webview-rpc/message"
)

type CodecType byte

const (
	CodecTypeProtobuf CodecType = 0
	CodecTypeMsgpack  CodecType = 1
	CodecTypeJSON     CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeProtobuf:
		return "protobuf"
	case CodecTypeMsgpack:
		return "msgpack"
	case CodecTypeJSON:
		return "json"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// Codec maps an envelope to and from its binary wire form.
// Both ends of a bridge must use the same codec type.
type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte) (*message.Envelope, error)
	Type() CodecType
}

var (
	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("codec: malformed envelope")

	// ErrInvalidEnvelope is returned by Encode for envelopes that break the data model.
	ErrInvalidEnvelope = errors.New("codec: invalid envelope")
)

// DecodeError reports bytes that could not be turned into a legal envelope.
// Receivers log it and drop the message.
type DecodeError struct {
	Codec CodecType
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s envelope: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeMsgpack:
		return &MsgpackCodec{}
	case CodecTypeJSON:
		return &JSONCodec{}
	}
	return &ProtobufCodec{}
}

// ParseCodecType accepts the names printed by CodecType.String.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "protobuf", "proto":
		return CodecTypeProtobuf, nil
	case "msgpack":
		return CodecTypeMsgpack, nil
	case "json":
		return CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

// Validate checks the invariants every codec enforces on both encode and decode.
func Validate(env *message.Envelope) error {
	if env == nil {
		return errors.New("nil envelope")
	}
	if len(env.Method) > message.MaxMethodLength {
		return fmt.Errorf("method name is %d bytes, limit %d", len(env.Method), message.MaxMethodLength)
	}
	ci := env.ChunkInfo
	if ci == nil {
		return nil
	}
	if ci.Total < 1 || ci.Index < 1 || ci.Index > ci.Total {
		return fmt.Errorf("chunk %d of %d out of range", ci.Index, ci.Total)
	}
	if ci.OriginalSize < 0 {
		return fmt.Errorf("negative original size %d", ci.OriginalSize)
	}
	if len(env.Payload) > ci.OriginalSize {
		return fmt.Errorf("chunk payload %d exceeds original size %d", len(env.Payload), ci.OriginalSize)
	}
	return nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
}
