package dquictest

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/drake/dquic"
)

// StubStream is an in-memory [dquic.Stream]
// backed by one end of a [net.Pipe].
type StubStream struct {
	c net.Conn

	closeCount atomic.Int32

	mu         sync.Mutex
	readCancel *dquic.StreamErrorCode
}

var _ dquic.Stream = (*StubStream)(nil)

// NewStubStreamPair returns two streams connected to each other.
func NewStubStreamPair() (*StubStream, *StubStream) {
	a, b := net.Pipe()
	return &StubStream{c: a}, &StubStream{c: b}
}

func (s *StubStream) Read(p []byte) (int, error) { return s.c.Read(p) }

func (s *StubStream) Write(p []byte) (int, error) { return s.c.Write(p) }

func (s *StubStream) SetReadDeadline(t time.Time) error { return s.c.SetReadDeadline(t) }

func (s *StubStream) SetWriteDeadline(t time.Time) error { return s.c.SetWriteDeadline(t) }

// CancelRead records code and closes the underlying pipe.
func (s *StubStream) CancelRead(code dquic.StreamErrorCode) {
	s.mu.Lock()
	s.readCancel = &code
	s.mu.Unlock()
	_ = s.c.Close()
}

// Close counts the call and closes the underlying pipe.
func (s *StubStream) Close() error {
	s.closeCount.Add(1)
	return s.c.Close()
}

// CloseCount is the number of Close calls so far.
func (s *StubStream) CloseCount() int {
	return int(s.closeCount.Load())
}

// ReadCanceled reports the code passed to CancelRead, if it was called.
func (s *StubStream) ReadCanceled() (dquic.StreamErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readCancel == nil {
		return 0, false
	}
	return *s.readCancel, true
}
