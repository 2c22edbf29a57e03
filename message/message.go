// Package message defines the RPC envelope exchanged between the host and the web view.
//
// Envelope is the unit of wire exchange. It gets serialized by the codec layer and
// mapped to a transport-safe string by the protocol layer before crossing the bridge.
package message

// Reserved method names.
const (
	// ReadinessMethod is probed by clients until the peer's dispatcher answers.
	ReadinessMethod = "__webview_rpc.ready__"

	// MaxMethodLength bounds Method so that framing stays inside the fixed overhead budget.
	MaxMethodLength = 128
)

// UnknownMethodPrefix starts the error text of a response for an unregistered method.
const UnknownMethodPrefix = "Unknown method: "

// ChunkInfo locates one chunk inside a logical message.
type ChunkInfo struct {
	Index        int // 1-based position of this chunk
	Total        int // Number of chunks in the logical message
	OriginalSize int // Length of the reassembled payload
}

// Envelope carries one request or response, whole or one chunk of one.
//
//   - On request:  IsRequest is true, Method is set, Payload holds the serialized argument.
//   - On response: Method echoes the request, Payload holds the result, Error is non-empty on failure.
type Envelope struct {
	RequestID string
	IsRequest bool
	Method    string
	Payload   []byte
	Error     string
	ChunkInfo *ChunkInfo // nil when the envelope is self-contained
}

// IsChunk reports whether the envelope is one fragment of a larger message.
func (e *Envelope) IsChunk() bool {
	return e.ChunkInfo != nil
}

// Failed reports whether the envelope is an error response.
func (e *Envelope) Failed() bool {
	return e.Error != ""
}

// NewResponse builds the response envelope for req. The request id and method are echoed.
func NewResponse(req *Envelope, payload []byte, errText string) *Envelope {
	return &Envelope{
		RequestID: req.RequestID,
		Method:    req.Method,
		Payload:   payload,
		Error:     errText,
	}
}

// UnknownMethodError formats the error text sent back for an unregistered method.
func UnknownMethodError(method string) string {
	return UnknownMethodPrefix + method
}
