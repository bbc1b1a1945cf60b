package dconn

import (
	"net"
	"time"

	"github.com/gordian-engine/drake/dquic"
	"go.uber.org/multierr"
)

// QUICStream presents the single channel stream of a QUIC connection as a [Stream].
// Closing it closes both the stream and its connection.
type QUICStream struct {
	Conn   dquic.Conn
	Stream dquic.Stream
}

var _ Stream = QUICStream{}

func (s QUICStream) Read(p []byte) (int, error) { return s.Stream.Read(p) }

func (s QUICStream) Write(p []byte) (int, error) { return s.Stream.Write(p) }

func (s QUICStream) SetReadDeadline(t time.Time) error { return s.Stream.SetReadDeadline(t) }

func (s QUICStream) SetWriteDeadline(t time.Time) error { return s.Stream.SetWriteDeadline(t) }

func (s QUICStream) RemoteAddr() net.Addr { return s.Conn.RemoteAddr() }

// Close finishes the send side, abandons the receive side,
// and closes the connection.
func (s QUICStream) Close() error {
	err := s.Stream.Close()
	s.Stream.CancelRead(0)
	return multierr.Append(
		err,
		s.Conn.CloseWithError(dquic.ChannelClosed, "channel closed"),
	)
}
