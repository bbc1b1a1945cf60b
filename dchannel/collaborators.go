package dchannel

import (
	"context"
	"io"
	"net"

	"github.com/gordian-engine/drake/dnode"
)

// Transport is the duplex byte stream a [Channel] is bound to.
//
// Read is only called from [*Channel.Serve].
// Write queues p and later reports the outcome through done,
// which may run on another goroutine;
// done must be called exactly once, including when the transport is closed.
// Close releases the transport.
type Transport interface {
	io.Reader

	RemoteAddr() net.Addr

	Write(p []byte, done func(error))

	Close() error
}

// Directory resolves peer identities announced during the handshake.
type Directory interface {
	// ResolveOrCreate upserts the record for the node id
	// seen at host, advertising port.
	ResolveOrCreate(id []byte, host string, port uint16) (*dnode.Record, error)
}

// Registry is notified as channels become ready and go away.
// It owns pool-wide policy, such as limits and reconnection.
type Registry interface {
	// OnReady is called once, after the channel's handshake succeeds.
	OnReady(*Channel)

	// OnDisconnected is called once, when the channel starts tearing down,
	// whether or not it ever became ready.
	OnDisconnected(*Channel, DisconnectReason)
}

// Verdict is the outcome of evaluating a handshake frame.
type Verdict struct {
	Accepted bool

	// Why the handshake was rejected.
	// Meaningless when Accepted is true.
	Reason DisconnectReason
}

// Negotiator evaluates the frames a channel receives
// before its handshake is complete.
type Negotiator interface {
	// Evaluate judges one handshake frame.
	//
	// When rejecting, the Negotiator is responsible
	// for disconnecting the channel with the appropriate reason.
	// A returned error is treated as a fault on the channel.
	Evaluate(ctx context.Context, ch *Channel, frame []byte) (Verdict, error)
}

// Router dispatches frames received after the handshake.
type Router interface {
	// Route handles one frame.
	// Frames from a single channel are routed one at a time, in arrival order.
	// A returned error is treated as a fault on the channel.
	Route(ctx context.Context, ch *Channel, frame []byte) error
}
