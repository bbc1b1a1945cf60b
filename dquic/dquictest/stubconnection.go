package dquictest

import (
	"context"
	"net"
	"sync"

	"github.com/gordian-engine/drake/dquic"
)

// StubConnection is a [dquic.Conn] that hands out preloaded streams.
type StubConnection struct {
	LocalAddrValue, RemoteAddrValue net.Addr

	// Streams returned from AcceptStream and OpenStreamSync.
	Streams chan dquic.Stream

	mu        sync.Mutex
	closeCode *dquic.ApplicationErrorCode
}

var _ dquic.Conn = (*StubConnection)(nil)

// NewStubConnection returns a StubConnection reporting remote as its peer address.
func NewStubConnection(remote net.Addr) *StubConnection {
	return &StubConnection{
		RemoteAddrValue: remote,
		Streams:         make(chan dquic.Stream, 1),
	}
}

// AcceptStream implements [dquic.Conn].
func (c *StubConnection) AcceptStream(ctx context.Context) (dquic.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case s := <-c.Streams:
		return s, nil
	}
}

// OpenStreamSync implements [dquic.Conn].
func (c *StubConnection) OpenStreamSync(ctx context.Context) (dquic.Stream, error) {
	return c.AcceptStream(ctx)
}

// LocalAddr implements [dquic.Conn].
func (c *StubConnection) LocalAddr() net.Addr {
	return c.LocalAddrValue
}

// RemoteAddr implements [dquic.Conn].
func (c *StubConnection) RemoteAddr() net.Addr {
	return c.RemoteAddrValue
}

// CloseWithError implements [dquic.Conn].
// It records the first code it is called with.
func (c *StubConnection) CloseWithError(
	code dquic.ApplicationErrorCode, msg string,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == nil {
		c.closeCode = &code
	}
	return nil
}

// ClosedWith reports the code the connection was closed with, if any.
func (c *StubConnection) ClosedWith() (dquic.ApplicationErrorCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == nil {
		return 0, false
	}
	return *c.closeCode, true
}
