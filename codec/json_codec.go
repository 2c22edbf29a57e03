package codec

import (
	"encoding/json"

	"webview-rpc/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, easy to inspect in a browser console.
// Cons: payload bytes are base64 inside JSON, so the transport string inflates twice.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, invalid(err)
	}
	return json.Marshal(toWire(env))
}

func (c *JSONCodec) Decode(data []byte) (*message.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Codec: CodecTypeJSON, Err: err}
	}
	env := fromWire(&w)
	if err := Validate(env); err != nil {
		return nil, &DecodeError{Codec: CodecTypeJSON, Err: err}
	}
	return env, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
