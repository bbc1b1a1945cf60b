// Package drake contains the core APIs for instantiating a drake node.
//
// A node keeps one channel per connected peer.
// Each channel runs a length-prefixed frame protocol over TCP or a QUIC stream,
// starting with a hello handshake that establishes the peer's identity
// and admits it into the node's peer pool.
//
// See the dchannel package for the per-connection state machine.
package drake
