package dframe

import "fmt"

// FrameTooLargeError is returned when a frame declares
// a payload length beyond the configured maximum.
// The payload is never read or delivered.
type FrameTooLargeError struct {
	Size uint64
	Max  int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame declares %d bytes, exceeding maximum of %d", e.Size, e.Max)
}

// DecodeError is returned when the length prefix itself is malformed:
// it overflows 63 bits or is not minimally encoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "malformed frame length prefix: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
