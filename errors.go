package drake

import "errors"

// ErrQUICDisabled is returned from [*Node.DialQUIC]
// when the node was configured without a UDP connection.
var ErrQUICDisabled = errors.New("node has no QUIC transport")

// ErrNoRemoteID is returned when dialing without the expected node id.
var ErrNoRemoteID = errors.New("remote node id must not be empty")

// AlreadyConnectedToNodeError is returned when dialing
// a node that already has a ready channel.
type AlreadyConnectedToNodeError struct {
	NodeID string
}

func (e AlreadyConnectedToNodeError) Error() string {
	return "already connected to node " + e.NodeID
}

// BannedNodeError is returned when dialing a node that is temporarily banned.
type BannedNodeError struct {
	NodeID string
}

func (e BannedNodeError) Error() string {
	return "node " + e.NodeID + " is temporarily banned"
}
