package dframe

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// Reader reads whole frames from an underlying stream.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader returns a Reader over r
// that rejects frames larger than max bytes.
// A non-positive max selects [DefaultMaxFrameSize].
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{
		br:  bufio.NewReader(r),
		max: normalizeMax(max),
	}
}

// ReadFrame blocks until one complete frame has been read
// and returns its payload.
//
// A stream ending cleanly between frames yields [io.EOF].
// A stream ending inside a frame yields an error wrapping [io.ErrUnexpectedEOF].
// Malformed prefixes yield [*DecodeError]
// and oversized declarations yield [*FrameTooLargeError].
// Other errors come from the underlying stream.
func (r *Reader) ReadFrame() ([]byte, error) {
	n, err := varint.ReadUvarint(r.br)
	if err != nil {
		if errors.Is(err, varint.ErrOverflow) || errors.Is(err, varint.ErrNotMinimal) {
			return nil, &DecodeError{Err: err}
		}
		return nil, err
	}

	if n > uint64(r.max) {
		return nil, &FrameTooLargeError{Size: n, Max: r.max}
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(r.br, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read %d-byte frame body: %w", n, err)
	}

	return frame, nil
}
