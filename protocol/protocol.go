// Package protocol maps encoded envelopes to the strings that cross the bridge.
//
// The bridge carries strings only, and some platforms mangle control or non-ASCII
// characters, so the binary envelope is written with the standard padded base64
// alphabet (A-Z a-z 0-9 + / =). Every 3 raw bytes become 4 characters:
//
//	raw envelope bytes ──codec──▶ []byte ──base64──▶ string ──▶ Bridge.Send
//	                   ◀──codec── []byte ◀──base64── string ◀── subscription
package protocol

import (
	"encoding/base64"
	"fmt"

	"webview-rpc/codec"
	"webview-rpc/message"
)

var encoding = base64.StdEncoding

// EncodedLen is the length of the transport string for n raw bytes.
func EncodedLen(n int) int {
	return encoding.EncodedLen(n)
}

// DecodedLen is the largest number of raw bytes whose transport string fits in n characters.
func DecodedLen(n int) int {
	if n < 0 {
		return 0
	}
	return n / 4 * 3
}

// EncodeString encodes env with c and maps the bytes to a transport-safe string.
func EncodeString(c codec.Codec, env *message.Envelope) (string, error) {
	data, err := c.Encode(env)
	if err != nil {
		return "", err
	}
	return encoding.EncodeToString(data), nil
}

// DecodeString reverses EncodeString. Both an invalid alphabet and malformed
// envelope bytes are reported as *codec.DecodeError.
func DecodeString(c codec.Codec, s string) (*message.Envelope, error) {
	data, err := encoding.DecodeString(s)
	if err != nil {
		return nil, &codec.DecodeError{Codec: c.Type(), Err: fmt.Errorf("transport string: %w", err)}
	}
	return c.Decode(data)
}
