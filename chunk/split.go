// Package chunk splits oversized payloads and reassembles them on the receiving side.
//
// A logical message whose payload exceeds the effective payload size travels as
// Total envelopes sharing one RequestID, each carrying ChunkInfo{Index, Total, OriginalSize}:
//
//	payload (L bytes) ──Split(size)──▶ [1/T] [2/T] ... [T/T]   T = ceil(L/size)
//
//	receiver:  [3/T] [1/T] [T/T] [2/T] ... ──Assembler──▶ one envelope, exactly once
//
// Chunks may arrive in any order. A set that stops receiving chunks is swept after
// the reassembly timeout and reported to the owner of the RequestID.
package chunk

// Split cuts payload into ceil(len/size) consecutive sub-slices of at most size
// bytes. The slices alias payload. It returns nil for an empty payload.
func Split(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(payload)
	}
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end:end])
	}
	return chunks
}
