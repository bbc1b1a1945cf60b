// Package dframe implements the length-prefixed framing
// used on every peer connection.
//
// A frame is an unsigned varint holding the payload length,
// encoded in the minimal number of bytes,
// followed by exactly that many payload bytes.
// The payload itself is opaque to this package;
// by convention its first byte is the message type.
//
// Outbound frames are built with [AppendFrame] or [WriteFrame].
// Inbound frames are either pulled from a stream with [Reader]
// or pushed through a [Decoder] as bytes arrive.
package dframe
