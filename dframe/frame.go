package dframe

import (
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxFrameSize is the largest payload accepted
// when a zero maximum is configured.
const DefaultMaxFrameSize = 5 * 1024 * 1024

// EncodedLen reports how many bytes the frame for a payload
// of size n occupies on the wire, including the length prefix.
func EncodedLen(n int) int {
	return varint.UvarintSize(uint64(n)) + n
}

// AppendFrame appends the framed payload to dst
// and returns the extended slice.
func AppendFrame(dst, payload []byte) []byte {
	n := uint64(len(payload))

	need := varint.UvarintSize(n) + len(payload)
	if cap(dst)-len(dst) < need {
		grown := make([]byte, len(dst), len(dst)+need)
		copy(grown, dst)
		dst = grown
	}

	start := len(dst)
	dst = dst[:start+varint.UvarintSize(n)]
	varint.PutUvarint(dst[start:], n)

	return append(dst, payload...)
}

// WriteFrame writes the framed payload to w in a single Write call,
// so that concurrent writers serialized elsewhere
// never interleave a prefix with another frame's body.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := AppendFrame(make([]byte, 0, EncodedLen(len(payload))), payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write %d-byte frame: %w", len(payload), err)
	}
	return nil
}

func normalizeMax(max int) int {
	if max <= 0 {
		return DefaultMaxFrameSize
	}
	return max
}
