package dhello

import (
	"bytes"
	"fmt"
	"math"

	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/dfault"
	"github.com/gordian-engine/drake/internal/dpmsg"
	"google.golang.org/protobuf/encoding/protowire"
)

// Hello is the handshake message.
// The initiator sends one first; the responder answers with its own,
// carrying [dchannel.ReasonNormal] or the reason it refuses the initiator.
type Hello struct {
	NodeID []byte

	// The port the sender accepts connections on.
	Port uint16

	NetworkID uint32

	Code dchannel.DisconnectReason

	// Sender's clock, in Unix milliseconds.
	Timestamp int64
}

// Field numbers, following protobuf conventions.
const (
	helloNodeIDField    protowire.Number = 1
	helloPortField      protowire.Number = 2
	helloNetworkIDField protowire.Number = 3
	helloCodeField      protowire.Number = 4
	helloTimestampField protowire.Number = 5

	disconnectReasonField protowire.Number = 1
)

// Encode returns h as a frame payload, message type included.
func (h Hello) Encode() []byte {
	b := make([]byte, 0, 1+len(h.NodeID)+24)
	b = append(b, byte(dpmsg.HelloMessageType))

	b = protowire.AppendTag(b, helloNodeIDField, protowire.BytesType)
	b = protowire.AppendBytes(b, h.NodeID)

	b = protowire.AppendTag(b, helloPortField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Port))

	b = protowire.AppendTag(b, helloNetworkIDField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.NetworkID))

	if h.Code != dchannel.ReasonNormal {
		b = protowire.AppendTag(b, helloCodeField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.Code))
	}

	b = protowire.AppendTag(b, helloTimestampField, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(h.Timestamp))

	return b
}

// DecodeHello parses a hello frame, message type included.
// Unknown fields are skipped.
// Malformed input results in a [*dfault.ProtocolViolation].
func DecodeHello(frame []byte) (Hello, error) {
	if t, ok := dpmsg.TypeOf(frame); !ok || t != dpmsg.HelloMessageType {
		return Hello{}, dfault.Violation(dfault.CodeUnexpectedMessage, "expected hello message")
	}

	var h Hello
	err := walkFields(frame[1:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == helloNodeIDField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			h.NodeID = bytes.Clone(v)
			return n, nil

		case num == helloPortField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			if v > math.MaxUint16 {
				return 0, fmt.Errorf("port %d out of range", v)
			}
			h.Port = uint16(v)
			return n, nil

		case num == helloNetworkIDField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			if v > math.MaxUint32 {
				return 0, fmt.Errorf("network id %d out of range", v)
			}
			h.NetworkID = uint32(v)
			return n, nil

		case num == helloCodeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			h.Code = reasonFromWire(v)
			return n, nil

		case num == helloTimestampField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			h.Timestamp = protowire.DecodeZigZag(v)
			return n, nil
		}

		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Hello{}, &dfault.ProtocolViolation{
			Code: dfault.CodeBadMessage,
			Msg:  "malformed hello",
			Err:  err,
		}
	}

	if len(h.NodeID) == 0 {
		return Hello{}, dfault.Violation(dfault.CodeBadHandshake, "hello without node id")
	}

	return h, nil
}

// EncodeDisconnect returns the disconnect message payload for reason.
// It is suitable for [dchannel.Config.EncodeDisconnect].
func EncodeDisconnect(reason dchannel.DisconnectReason) []byte {
	b := []byte{byte(dpmsg.DisconnectMessageType)}
	b = protowire.AppendTag(b, disconnectReasonField, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(reason))
}

// DecodeDisconnect parses a disconnect frame, message type included.
// A missing reason decodes as [dchannel.ReasonUnknown].
func DecodeDisconnect(frame []byte) (dchannel.DisconnectReason, error) {
	if t, ok := dpmsg.TypeOf(frame); !ok || t != dpmsg.DisconnectMessageType {
		return 0, dfault.Violation(dfault.CodeUnexpectedMessage, "expected disconnect message")
	}

	reason := dchannel.ReasonUnknown
	err := walkFields(frame[1:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == disconnectReasonField && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				reason = reasonFromWire(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return 0, &dfault.ProtocolViolation{
			Code: dfault.CodeBadMessage,
			Msg:  "malformed disconnect",
			Err:  err,
		}
	}
	return reason, nil
}

// reasonFromWire maps wire values outside the shared range to ReasonUnknown,
// so a peer cannot claim a local-only reason.
func reasonFromWire(v uint64) dchannel.DisconnectReason {
	if v > uint64(dchannel.ReasonUnknown) {
		return dchannel.ReasonUnknown
	}
	return dchannel.DisconnectReason(v)
}

// walkFields calls fn for every field in b.
// fn consumes the field value and returns the protowire length,
// negative on a parse failure.
func walkFields(
	b []byte,
	fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error),
) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}
