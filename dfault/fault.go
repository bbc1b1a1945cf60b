package dfault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/gordian-engine/drake/dframe"
	"github.com/quic-go/quic-go"
)

// Kind is the classification of a [Fault].
type Kind uint8

const (
	// Anything not recognized as a transport or protocol fault.
	KindInternal Kind = iota

	// Timeouts and I/O failures: the peer went away or stopped talking.
	KindTransport

	// The peer broke the protocol; see [Fault.Code].
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Fault is a tagged connection failure.
// Create one with [Tag].
type Fault struct {
	Kind Kind

	// Set only for KindProtocol.
	Code ViolationCode

	// The error as it was caught.
	Err error

	// The innermost cause of Err,
	// or the cause where a cause loop was detected.
	Cause error

	// Whether walking Err's cause chain ran into a loop.
	CycleDetected bool
}

func (f Fault) Error() string {
	return f.Kind.String() + " fault: " + f.Err.Error()
}

func (f Fault) Unwrap() error {
	return f.Err
}

// Tag classifies err.
//
// Transport causes take priority over protocol causes,
// so a read that timed out while a violation was being wrapped
// is still treated as the benign case.
// A Fault passed to Tag is returned unchanged.
//
// Tag panics if err is nil.
func Tag(err error) Fault {
	if err == nil {
		panic(errors.New("BUG: dfault.Tag called with nil error"))
	}

	if f, ok := err.(Fault); ok {
		return f
	}
	if f, ok := err.(*Fault); ok && f != nil {
		return *f
	}

	chain, cyclic := Chain(err)
	f := Fault{
		Kind:          KindInternal,
		Err:           err,
		Cause:         chain[len(chain)-1],
		CycleDetected: cyclic,
	}

	for _, e := range chain {
		if isTransport(e) {
			f.Kind = KindTransport
			return f
		}
	}

	for _, e := range chain {
		if code, ok := violationCode(e); ok {
			f.Kind = KindProtocol
			f.Code = code
			return f
		}
	}

	return f
}

// isTransport inspects only e itself, never its causes:
// errors.Is and errors.As would walk a possibly cyclic chain.
func isTransport(e error) bool {
	switch e {
	case io.EOF, io.ErrUnexpectedEOF, io.ErrClosedPipe,
		net.ErrClosed, os.ErrDeadlineExceeded, context.DeadlineExceeded:
		return true
	}

	switch v := e.(type) {
	case *net.OpError, *os.SyscallError:
		return true

	case syscall.Errno:
		switch v {
		case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ECONNREFUSED:
			return true
		}

	case *quic.IdleTimeoutError, *quic.HandshakeTimeoutError,
		*quic.ApplicationError, *quic.StreamError,
		*quic.TransportError, *quic.StatelessResetError:
		return true

	case interface{ Timeout() bool }:
		return v.Timeout()
	}

	return false
}

func violationCode(e error) (ViolationCode, bool) {
	switch v := e.(type) {
	case *ProtocolViolation:
		return v.Code, true
	case *dframe.FrameTooLargeError:
		return CodeFrameTooLarge, true
	case *dframe.DecodeError:
		return CodeFrameDecode, true
	}
	return 0, false
}
