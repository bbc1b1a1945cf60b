package dchanneltest

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/dframe"
)

// Transport is an in-memory [dchannel.Transport].
//
// Bytes given to [*Transport.Feed] are what the channel reads.
// Frames the channel writes are recorded and published on Writes.
type Transport struct {
	addr net.Addr

	pr *io.PipeReader
	pw *io.PipeWriter

	// Every successful Write is sent here, if there is buffer space.
	Writes chan []byte

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool

	closeCount atomic.Int32
}

var _ dchannel.Transport = (*Transport)(nil)

// NewTransport returns a Transport whose RemoteAddr is the TCP address remote,
// which must be a valid "ip:port" string.
func NewTransport(remote string) *Transport {
	return NewTransportWithAddr(net.TCPAddrFromAddrPort(netip.MustParseAddrPort(remote)))
}

// NewTransportWithAddr returns a Transport reporting addr as its remote address.
// addr may be nil, to exercise binding failures.
func NewTransportWithAddr(addr net.Addr) *Transport {
	pr, pw := io.Pipe()
	return &Transport{
		addr: addr,
		pr:   pr,
		pw:   pw,

		Writes: make(chan []byte, 64),
	}
}

func (t *Transport) Read(p []byte) (int, error) {
	return t.pr.Read(p)
}

func (t *Transport) RemoteAddr() net.Addr {
	return t.addr
}

// Write records p and calls done synchronously.
// After Close, done receives [net.ErrClosed].
func (t *Transport) Write(p []byte, done func(error)) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		done(net.ErrClosed)
		return
	}
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		done(err)
		return
	}
	cp := bytes.Clone(p)
	t.written = append(t.written, cp)
	t.mu.Unlock()

	select {
	case t.Writes <- cp:
	default:
	}
	done(nil)
}

// Close counts the call and unblocks any pending Read.
func (t *Transport) Close() error {
	t.closeCount.Add(1)

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	_ = t.pr.CloseWithError(net.ErrClosed)
	return nil
}

// CloseCount is the number of times Close was called.
func (t *Transport) CloseCount() int {
	return int(t.closeCount.Load())
}

// Feed delivers raw bytes to the reading side.
// It blocks until the reader consumes them.
func (t *Transport) Feed(b []byte) error {
	_, err := t.pw.Write(b)
	return err
}

// FeedFrame frames payload and feeds it.
func (t *Transport) FeedFrame(payload []byte) error {
	return t.Feed(dframe.AppendFrame(nil, payload))
}

// Fail makes the reading side return err after any fed bytes.
// A nil err results in [io.EOF].
func (t *Transport) Fail(err error) {
	_ = t.pw.CloseWithError(err)
}

// SetWriteError causes subsequent writes to fail with err.
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Written returns a copy of every frame written so far, length prefix included.
func (t *Transport) Written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.written))
	copy(out, t.written)
	return out
}
