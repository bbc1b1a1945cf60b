package dframe

import (
	"errors"
	"iter"

	"github.com/multiformats/go-varint"
)

// Decoder splits a byte stream, delivered in arbitrary chunks,
// into complete frames.
//
// Bytes are handed over with [*Decoder.Feed].
// Frames are taken with [*Decoder.Next] or [*Decoder.Frames];
// a frame is only produced once every byte it declared has arrived.
//
// After a decoding error the Decoder is poisoned
// and returns that same error from every later call.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	max int

	buf []byte
	off int

	err error
}

// NewDecoder returns a Decoder rejecting frames larger than max bytes.
// A non-positive max selects [DefaultMaxFrameSize].
func NewDecoder(max int) *Decoder {
	return &Decoder{max: normalizeMax(max)}
}

// Feed appends p to the pending input.
// The Decoder copies p, so the caller may reuse it.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		// Frames handed out earlier alias the old backing array,
		// so compact into a fresh one rather than shifting in place.
		rest := d.buf[d.off:]
		d.buf = make([]byte, len(rest), len(rest)+len(p))
		copy(d.buf, rest)
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered reports the number of fed bytes not yet consumed as frames.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next returns the next complete frame.
// If the buffered input does not yet hold a complete frame,
// Next returns ok=false and a nil error.
//
// The returned slice stays valid after further calls to Feed.
func (d *Decoder) Next() (frame []byte, ok bool, err error) {
	if d.err != nil {
		return nil, false, d.err
	}

	pending := d.buf[d.off:]
	if len(pending) == 0 {
		return nil, false, nil
	}

	n, sz, err := varint.FromUvarint(pending)
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			// Prefix not complete yet.
			return nil, false, nil
		}
		d.err = &DecodeError{Err: err}
		return nil, false, d.err
	}

	if n > uint64(d.max) {
		d.err = &FrameTooLargeError{Size: n, Max: d.max}
		return nil, false, d.err
	}

	if uint64(len(pending)-sz) < n {
		return nil, false, nil
	}

	end := sz + int(n)
	frame = pending[sz:end:end]
	d.off += end
	return frame, true, nil
}

// Frames returns an iterator over the frames currently available.
// Iteration stops when the buffered input runs out of complete frames,
// or after yielding a decoding error.
//
// The iterator is restartable:
// after feeding more input, range over Frames again
// to continue where the previous iteration stopped.
func (d *Decoder) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			frame, ok, err := d.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}
