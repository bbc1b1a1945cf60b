package dfault

import "fmt"

// ViolationCode identifies how a peer broke the connection protocol.
type ViolationCode uint8

const (
	CodeUnspecified ViolationCode = iota

	// A frame declared a length beyond the configured maximum.
	CodeFrameTooLarge

	// A frame length prefix could not be decoded.
	CodeFrameDecode

	// A message payload could not be parsed.
	CodeBadMessage

	// A message arrived that is not valid in the current state,
	// or that no handler is registered for.
	CodeUnexpectedMessage

	// The peer tried to establish its identity a second time.
	CodeDuplicateIdentity

	// The peer's handshake was malformed or inconsistent.
	CodeBadHandshake
)

func (c ViolationCode) String() string {
	switch c {
	case CodeUnspecified:
		return "unspecified"
	case CodeFrameTooLarge:
		return "frame_too_large"
	case CodeFrameDecode:
		return "frame_decode"
	case CodeBadMessage:
		return "bad_message"
	case CodeUnexpectedMessage:
		return "unexpected_message"
	case CodeDuplicateIdentity:
		return "duplicate_identity"
	case CodeBadHandshake:
		return "bad_handshake"
	default:
		return fmt.Sprintf("ViolationCode(%d)", uint8(c))
	}
}

// ProtocolViolation is the error for a peer breaking the protocol.
// Only the offending connection is dropped.
type ProtocolViolation struct {
	Code ViolationCode
	Msg  string

	// Optional underlying error, e.g. a parse failure.
	Err error
}

// Violation returns a new ProtocolViolation
// with a message formatted from format and args.
func Violation(code ViolationCode, format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func (v *ProtocolViolation) Error() string {
	if v.Err == nil {
		return "protocol violation (" + v.Code.String() + "): " + v.Msg
	}
	return "protocol violation (" + v.Code.String() + "): " + v.Msg + ": " + v.Err.Error()
}

func (v *ProtocolViolation) Unwrap() error {
	return v.Err
}
