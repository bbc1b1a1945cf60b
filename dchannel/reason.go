package dchannel

import "fmt"

// DisconnectReason is the cause attached to a channel teardown.
//
// Values below 256 are exchanged with peers during the handshake
// and in disconnect messages.
// Values from [ReasonTransportFault] upward are only recorded locally.
type DisconnectReason uint16

const (
	ReasonNormal                   DisconnectReason = 0
	ReasonTooManyPeers             DisconnectReason = 1
	ReasonDifferentVersion         DisconnectReason = 2
	ReasonTimeBanned               DisconnectReason = 3
	ReasonDuplicatePeer            DisconnectReason = 4
	ReasonMaxConnectionsWithSameIP DisconnectReason = 5
	ReasonUnexpectedIdentity       DisconnectReason = 6

	ReasonUnknown DisconnectReason = 256

	// Local-only reasons, derived from the fault that ended the channel.
	ReasonTransportFault DisconnectReason = 512
	ReasonProtocolFault  DisconnectReason = 513
	ReasonInternalFault  DisconnectReason = 514
)

// IsLocal reports whether r is only meaningful to the local node
// and must not be sent to a peer.
func (r DisconnectReason) IsLocal() bool {
	return r >= ReasonTransportFault
}

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonTooManyPeers:
		return "too_many_peers"
	case ReasonDifferentVersion:
		return "different_version"
	case ReasonTimeBanned:
		return "time_banned"
	case ReasonDuplicatePeer:
		return "duplicate_peer"
	case ReasonMaxConnectionsWithSameIP:
		return "max_connections_with_same_ip"
	case ReasonUnexpectedIdentity:
		return "unexpected_identity"
	case ReasonUnknown:
		return "unknown"
	case ReasonTransportFault:
		return "transport_fault"
	case ReasonProtocolFault:
		return "protocol_fault"
	case ReasonInternalFault:
		return "internal_fault"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", uint16(r))
	}
}
