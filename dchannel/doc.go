// Package dchannel contains [Channel],
// the owner of one transport connection to one remote peer.
//
// A Channel is created when a connection is accepted or dialed,
// bound to its transport with [*Channel.Bind],
// and driven by [*Channel.Serve].
// Until the handshake completes, every inbound frame goes to the [Negotiator];
// afterwards frames go to the [Router].
//
// Teardown happens exactly once, through [*Channel.Disconnect],
// [*Channel.HandleFault], or [*Channel.Close].
// All three converge on the same terminal path,
// and all are safe to call concurrently with each other and with [*Channel.Send].
//
// The collaborators a Channel needs are narrow interfaces declared here:
// the [Directory] of peer identities,
// the [Registry] tracking ready and disconnected channels,
// the [Negotiator] judging handshake frames,
// and the [Router] for application frames.
package dchannel
