package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"webview-rpc/message"
)

// Protobuf field numbers of the RpcEnvelope message.
//
//	message RpcEnvelope {
//	  string    request_id = 1;
//	  bool      is_request = 2;
//	  string    method     = 3;
//	  bytes     payload    = 4;
//	  string    error      = 5;
//	  ChunkInfo chunk_info = 6;
//	}
//	message ChunkInfo {
//	  int32 chunk_index   = 1;
//	  int32 total_chunks  = 2;
//	  int32 original_size = 3;
//	}
const (
	fieldRequestID protowire.Number = 1
	fieldIsRequest protowire.Number = 2
	fieldMethod    protowire.Number = 3
	fieldPayload   protowire.Number = 4
	fieldError     protowire.Number = 5
	fieldChunkInfo protowire.Number = 6

	fieldChunkIndex   protowire.Number = 1
	fieldTotalChunks  protowire.Number = 2
	fieldOriginalSize protowire.Number = 3
)

// ProtobufCodec writes envelopes in protobuf wire format without generated code.
// Zero-valued scalar fields are omitted, unknown fields are skipped on decode.
type ProtobufCodec struct{}

func (c *ProtobufCodec) Encode(env *message.Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, invalid(err)
	}

	buf := make([]byte, 0, 32+len(env.RequestID)+len(env.Method)+len(env.Payload)+len(env.Error))

	if env.RequestID != "" {
		buf = protowire.AppendTag(buf, fieldRequestID, protowire.BytesType)
		buf = protowire.AppendString(buf, env.RequestID)
	}
	if env.IsRequest {
		buf = protowire.AppendTag(buf, fieldIsRequest, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	if env.Method != "" {
		buf = protowire.AppendTag(buf, fieldMethod, protowire.BytesType)
		buf = protowire.AppendString(buf, env.Method)
	}
	if len(env.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, env.Payload)
	}
	if env.Error != "" {
		buf = protowire.AppendTag(buf, fieldError, protowire.BytesType)
		buf = protowire.AppendString(buf, env.Error)
	}
	if ci := env.ChunkInfo; ci != nil {
		var inner []byte
		inner = appendInt(inner, fieldChunkIndex, ci.Index)
		inner = appendInt(inner, fieldTotalChunks, ci.Total)
		inner = appendInt(inner, fieldOriginalSize, ci.OriginalSize)
		buf = protowire.AppendTag(buf, fieldChunkInfo, protowire.BytesType)
		buf = protowire.AppendBytes(buf, inner)
	}
	return buf, nil
}

func (c *ProtobufCodec) Decode(data []byte) (*message.Envelope, error) {
	env := &message.Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, c.fail(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldRequestID && typ == protowire.BytesType:
			env.RequestID, n = protowire.ConsumeString(data)
		case num == fieldIsRequest && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			env.IsRequest = protowire.DecodeBool(v)
		case num == fieldMethod && typ == protowire.BytesType:
			env.Method, n = protowire.ConsumeString(data)
		case num == fieldPayload && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				// Copy out so the envelope does not pin the inbound buffer
				env.Payload = append([]byte(nil), v...)
			}
		case num == fieldError && typ == protowire.BytesType:
			env.Error, n = protowire.ConsumeString(data)
		case num == fieldChunkInfo && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				ci, err := decodeChunkInfo(v)
				if err != nil {
					return nil, c.fail(err)
				}
				env.ChunkInfo = ci
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, c.fail(protowire.ParseError(n))
		}
		data = data[n:]
	}

	if err := Validate(env); err != nil {
		return nil, c.fail(err)
	}
	return env, nil
}

func (c *ProtobufCodec) Type() CodecType {
	return CodecTypeProtobuf
}

func (c *ProtobufCodec) fail(err error) error {
	return &DecodeError{Codec: CodecTypeProtobuf, Err: err}
}

func appendInt(buf []byte, num protowire.Number, v int) []byte {
	if v == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(v))
}

func decodeChunkInfo(data []byte) (*message.ChunkInfo, error) {
	ci := &message.ChunkInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if v > math.MaxInt32 {
			return nil, fmt.Errorf("chunk info field %d overflows: %d", num, v)
		}
		switch num {
		case fieldChunkIndex:
			ci.Index = int(v)
		case fieldTotalChunks:
			ci.Total = int(v)
		case fieldOriginalSize:
			ci.OriginalSize = int(v)
		}
	}
	if ci.Total == 0 {
		return nil, errors.New("chunk info without total")
	}
	return ci, nil
}
