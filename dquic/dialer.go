package dquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// Dialer handles establishing QUIC connections with remote peers.
type Dialer struct {
	TLSConf *tls.Config

	QUICTransport *quic.Transport
	QUICConfig    *quic.Config
}

// Dial opens a QUIC connection to the given address.
func (d Dialer) Dial(ctx context.Context, addr net.Addr) (Conn, error) {
	qc, err := d.QUICTransport.Dial(ctx, addr, d.TLSConf, d.QUICConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return WrapConn(qc), nil
}

// DialStream dials addr and opens the single bidirectional stream
// that carries a drake channel.
//
// The first write on a stream is what announces it to the accepting side,
// so the caller must write before the remote can accept the stream.
func (d Dialer) DialStream(ctx context.Context, addr net.Addr) (Conn, Stream, error) {
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}

	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(ChannelClosed, "failed to open stream")
		return nil, nil, fmt.Errorf("failed to open stream to %s: %w", addr, err)
	}

	return conn, s, nil
}
