package dquictest

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/gordian-engine/drake/dquic"
	"github.com/gordian-engine/drake/internal/dtest"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// ListenerSet is a collection of QUIC listeners on localhost,
// capable of dialing one another.
type ListenerSet struct {
	Certs []tls.Certificate

	UDPConns []*net.UDPConn

	QTs []*quic.Transport
	QLs []*quic.Listener
}

// NewListenerSet initializes a new ListenerSet,
// with count number of listeners.
// There are no active connections;
// use [*ListenerSet.Dialer] to make a dialer and dial another peer.
//
// The UDP connections are closed as part of [*testing.T.Cleanup].
func NewListenerSet(t *testing.T, ctx context.Context, count int) *ListenerSet {
	t.Helper()

	ls := &ListenerSet{
		Certs: make([]tls.Certificate, count),

		UDPConns: make([]*net.UDPConn, count),

		QTs: make([]*quic.Transport, count),
		QLs: make([]*quic.Listener, count),
	}

	t.Cleanup(func() {
		for _, ql := range ls.QLs {
			if ql != nil {
				ql.Close()
			}
		}
		for _, uc := range ls.UDPConns {
			if uc != nil {
				uc.Close()
			}
		}
	})

	for i := range count {
		cert, err := dquic.GenerateCertificate(time.Hour)
		require.NoError(t, err)

		udpConn, err := net.ListenUDP("udp", &net.UDPAddr{
			IP: net.IPv4(127, 0, 0, 1),
		})
		require.NoError(t, err)

		qt := dquic.MakeTransport(ctx, udpConn)

		ql, err := dquic.StartListener(dquic.ServerTLSConfig(cert), dquic.DefaultConfig(), qt)
		require.NoError(t, err)

		ls.Certs[i] = cert
		ls.UDPConns[i] = udpConn
		ls.QTs[i] = qt
		ls.QLs[i] = ql
	}

	return ls
}

// Dial dials from the connection at srcIdx, to the listener at dstIdx,
// and opens the channel stream.
// It returns the dialing side's connection and stream,
// and the accepting side's connection.
// The accepting side's stream only becomes available
// after the dialing side writes to its stream.
//
// To do this, the listener set temporarily
// accepts a connection on the destination listener.
// If there is already an attempt to accept a connection there,
// the two attempts will race and the test will be inconsistent.
func (ls *ListenerSet) Dial(t *testing.T, srcIdx, dstIdx int) (srcConn dquic.Conn, srcStream dquic.Stream, dstConn dquic.Conn) {
	t.Helper()

	if srcIdx < 0 || srcIdx >= len(ls.UDPConns) || dstIdx < 0 || dstIdx >= len(ls.UDPConns) {
		t.Fatalf(
			"indices must be in range [0, %d]; got srcIdx=%d and dstIdx=%d",
			len(ls.UDPConns)-1, srcIdx, dstIdx,
		)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connAcceptedCh := make(chan *quic.Conn, 1)

	go func() {
		acceptedConn, err := ls.QLs[dstIdx].Accept(ctx)
		if err != nil {
			t.Error(err)
			connAcceptedCh <- nil
			return
		}

		connAcceptedCh <- acceptedConn
	}()

	conn, s, err := ls.Dialer(srcIdx).DialStream(ctx, ls.UDPConns[dstIdx].LocalAddr())
	require.NoError(t, err)

	acceptedConn := dtest.ReceiveSoon(t, connAcceptedCh)
	require.NotNil(t, acceptedConn)

	return conn, s, dquic.WrapConn(acceptedConn)
}

func (ls *ListenerSet) Dialer(idx int) dquic.Dialer {
	return dquic.Dialer{
		TLSConf: dquic.ClientTLSConfig(),

		QUICTransport: ls.QTs[idx],

		// Currently always using the default config when creating the set anyway.
		QUICConfig: dquic.DefaultConfig(),
	}
}
