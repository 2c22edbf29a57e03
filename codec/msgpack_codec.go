package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v4"

	"webview-rpc/message"
)

// wireEnvelope is the tagged shape shared by the msgpack and JSON codecs.
type wireEnvelope struct {
	RequestID string         `json:"requestId" msgpack:"i"`
	IsRequest bool           `json:"isRequest,omitempty" msgpack:"r,omitempty"`
	Method    string         `json:"method,omitempty" msgpack:"m,omitempty"`
	Payload   []byte         `json:"payload,omitempty" msgpack:"p,omitempty"`
	Error     string         `json:"error,omitempty" msgpack:"e,omitempty"`
	ChunkInfo *wireChunkInfo `json:"chunkInfo,omitempty" msgpack:"c,omitempty"`
}

type wireChunkInfo struct {
	Index        int `json:"chunkIndex" msgpack:"x"`
	Total        int `json:"totalChunks" msgpack:"t"`
	OriginalSize int `json:"originalSize" msgpack:"s"`
}

func toWire(env *message.Envelope) *wireEnvelope {
	w := &wireEnvelope{
		RequestID: env.RequestID,
		IsRequest: env.IsRequest,
		Method:    env.Method,
		Payload:   env.Payload,
		Error:     env.Error,
	}
	if ci := env.ChunkInfo; ci != nil {
		w.ChunkInfo = &wireChunkInfo{Index: ci.Index, Total: ci.Total, OriginalSize: ci.OriginalSize}
	}
	return w
}

func fromWire(w *wireEnvelope) *message.Envelope {
	env := &message.Envelope{
		RequestID: w.RequestID,
		IsRequest: w.IsRequest,
		Method:    w.Method,
		Payload:   w.Payload,
		Error:     w.Error,
	}
	if ci := w.ChunkInfo; ci != nil {
		env.ChunkInfo = &message.ChunkInfo{Index: ci.Index, Total: ci.Total, OriginalSize: ci.OriginalSize}
	}
	return env
}

// MsgpackCodec encodes envelopes as compact msgpack maps with one-letter keys.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(env *message.Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, invalid(err)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf).UseCompactEncoding(true)
	if err := enc.Encode(toWire(env)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Decode(data []byte) (*message.Envelope, error) {
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Codec: CodecTypeMsgpack, Err: err}
	}
	env := fromWire(&w)
	if err := Validate(env); err != nil {
		return nil, &DecodeError{Codec: CodecTypeMsgpack, Err: err}
	}
	return env, nil
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
