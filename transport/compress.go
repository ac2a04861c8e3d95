package transport

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v3"
)

// Compression is opt-in: negotiated during HELLO/ACK, applied per-message
// once both sides support it and the payload is at least
// Config.CompressionMinSize. A one-byte flag ahead of the (possibly
// compressed) body keeps the two cases distinguishable without widening
// the frame header itself.
const (
	compFlagNone byte = 0
	compFlagLZ4  byte = 1
)

// maybeCompress prefixes body with a flag byte, compressing with lz4 only
// when enabled and body is at least minSize bytes.
func maybeCompress(body []byte, enabled bool, minSize int) []byte {
	if !enabled || minSize <= 0 || len(body) < minSize {
		out := make([]byte, 1+len(body))
		out[0] = compFlagNone
		copy(out[1:], body)
		return out
	}

	var buf bytes.Buffer
	buf.WriteByte(compFlagLZ4)
	w := lz4.NewWriter(&buf)
	w.Write(body) //nolint:errcheck // writes to a bytes.Buffer never fail
	w.Close()
	return buf.Bytes()
}

// decompress strips the flag byte maybeCompress added and, if set,
// inflates the lz4 stream behind it.
func decompress(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	flag, rest := body[0], body[1:]
	if flag == compFlagNone {
		return rest, nil
	}
	r := lz4.NewReader(bytes.NewReader(rest))
	return io.ReadAll(r)
}
