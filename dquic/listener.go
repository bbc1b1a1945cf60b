package dquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// DefaultConfig returns the QUIC configuration used by drake
// when none is supplied.
//
// The idle timeout is deliberately longer than the channel read idle timeout,
// so that an idle channel is reported by the channel layer
// rather than surfacing as a QUIC idle timeout.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 10 * time.Second,
		MaxIdleTimeout:       90 * time.Second,
		KeepAlivePeriod:      20 * time.Second,

		// One channel stream per connection.
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// MakeTransport returns a QUIC transport over uc.
// The transport is closed when ctx is canceled.
// Closing the transport does not close uc.
func MakeTransport(ctx context.Context, uc *net.UDPConn) *quic.Transport {
	qt := &quic.Transport{Conn: uc}
	context.AfterFunc(ctx, func() {
		_ = qt.Close()
	})
	return qt
}

// StartListener starts accepting QUIC connections on qt.
// The TLS configuration must carry the drake ALPN protocol;
// see [ServerTLSConfig].
func StartListener(tlsConf *tls.Config, quicConf *quic.Config, qt *quic.Transport) (*quic.Listener, error) {
	ql, err := qt.Listen(tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
	}
	return ql, nil
}

// AcceptStream waits for the channel stream on a freshly accepted connection.
// The connection is closed if the stream does not arrive.
func AcceptStream(ctx context.Context, conn Conn) (Stream, error) {
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(ChannelClosed, "no channel stream")
		return nil, fmt.Errorf("failed to accept channel stream: %w", err)
	}
	return s, nil
}
