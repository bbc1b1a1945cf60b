// Package deval contains the admission policy contract
// consulted while a peer's handshake is being negotiated.
package deval

import (
	"context"
	"net/netip"

	"github.com/gordian-engine/drake/dchannel"
)

// Candidate is a peer asking to be admitted,
// after its identity has been resolved but before its handshake completes.
type Candidate struct {
	// The node id the peer announced.
	NodeID []byte

	// The remote address observed on the transport.
	RemoteAddr netip.AddrPort

	// Whether RemoteAddr is in the trusted set.
	Trusted bool

	// Which side opened the connection.
	Role dchannel.Role
}

// PeerEvaluator decides whether a candidate peer may join.
type PeerEvaluator interface {
	// ConsiderPeer returns the decision for c.
	// Implementations must be safe for concurrent use,
	// as every channel's handshake may consult the evaluator at once.
	ConsiderPeer(context.Context, Candidate) Decision
}

// Decision is the outcome of [PeerEvaluator.ConsiderPeer].
// The zero value admits the peer.
type Decision struct {
	Reject bool

	// Sent to the rejected peer.
	// Meaningless unless Reject is set.
	Reason dchannel.DisconnectReason
}

// Admit is the decision to let a peer join.
var Admit = Decision{}

// Reject is the decision to turn a peer away for the given reason.
func Reject(reason dchannel.DisconnectReason) Decision {
	return Decision{Reject: true, Reason: reason}
}
