// Package dpmsg declares the message types drake reserves for itself.
// The first byte of every frame is its message type.
package dpmsg

import "fmt"

// MessageType is a single byte header indicating the type of message.
type MessageType byte

const (
	// Not using iota here, to avoid possibility of values changing across the wire.
	// Application message types must stay below MinReservedMessageType.

	// The sender is closing the connection; carries the reason.
	DisconnectMessageType MessageType = 0xfb

	// Handshake announcement of node id, port, and network.
	HelloMessageType MessageType = 0xfd

	// Liveness check, answered with a pong.
	PingMessageType MessageType = 0xff
	PongMessageType MessageType = 0xfe
)

// MinReservedMessageType is the lowest message type drake reserves.
const MinReservedMessageType MessageType = 0xf0

func (t MessageType) String() string {
	switch t {
	case DisconnectMessageType:
		return "disconnect"
	case HelloMessageType:
		return "hello"
	case PingMessageType:
		return "ping"
	case PongMessageType:
		return "pong"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", byte(t))
	}
}

// TypeOf returns the message type of frame,
// or false if frame is empty.
func TypeOf(frame []byte) (MessageType, bool) {
	if len(frame) == 0 {
		return 0, false
	}
	return MessageType(frame[0]), true
}
