package drake

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/dconn"
)

// Dial opens a TCP channel to addr, expecting to reach the node remoteID.
//
// The returned channel has sent its hello but has not necessarily
// completed the handshake; watch [*dview.Pool.Changes] for readiness.
// If the peer announces a different id, the channel is disconnected
// with [dchannel.ReasonUnexpectedIdentity].
func (n *Node) Dial(ctx context.Context, addr string, remoteID []byte) (*dchannel.Channel, error) {
	if err := n.checkDial(remoteID); err != nil {
		return nil, err
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	ch, err := n.startChannel(c, remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to start channel to %s: %w", addr, err)
	}
	return ch, nil
}

// DialQUIC is like [*Node.Dial], over QUIC.
// The node must have been configured with a UDP connection.
func (n *Node) DialQUIC(ctx context.Context, addr string, remoteID []byte) (*dchannel.Channel, error) {
	if n.quicDialer == nil {
		return nil, ErrQUICDisabled
	}
	if err := n.checkDial(remoteID); err != nil {
		return nil, err
	}

	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	conn, s, err := n.quicDialer.DialStream(ctx, ua)
	if err != nil {
		return nil, err
	}

	// The hello sent by startChannel is the first write on the stream,
	// which is what lets the remote accept it.
	ch, err := n.startChannel(dconn.QUICStream{Conn: conn, Stream: s}, remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to start channel to %s: %w", addr, err)
	}
	return ch, nil
}

func (n *Node) checkDial(remoteID []byte) error {
	if len(remoteID) == 0 {
		return ErrNoRemoteID
	}
	if _, ok := n.pool.Get(remoteID); ok {
		return AlreadyConnectedToNodeError{NodeID: hex.EncodeToString(remoteID)}
	}
	if n.pool.IsBanned(remoteID) {
		return BannedNodeError{NodeID: hex.EncodeToString(remoteID)}
	}
	return nil
}
