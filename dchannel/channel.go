package dchannel

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/drake/dfault"
	"github.com/gordian-engine/drake/dframe"
	"github.com/gordian-engine/drake/dnode"
	"github.com/google/uuid"
)

// Role is which side of the connection the local node played.
type Role uint8

const (
	// The remote side connected to us.
	RoleResponder Role = iota

	// We connected to a peer whose node id we already knew.
	RoleInitiator
)

func (r Role) String() string {
	switch r {
	case RoleResponder:
		return "responder"
	case RoleInitiator:
		return "initiator"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// State is the lifecycle state of a [Channel].
// A channel's state only ever moves forward.
type State uint32

const (
	StateOpen State = iota
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Placeholder rendering of an unknown peer id.
const unknownPeerID = "<null>"

// Channel is the per-peer connection.
// Create one with [New], then call [*Channel.Bind] and [*Channel.Serve].
type Channel struct {
	log *slog.Logger
	cfg Config

	id         uuid.UUID
	role       Role
	expectedID []byte

	clock     clock.Clock
	createdAt time.Time

	binding atomic.Pointer[binding]

	identityClaimed atomic.Bool
	peer            atomic.Pointer[dnode.Record]

	handshakeComplete atomic.Bool

	state atomic.Uint32

	lastSendAt     atomic.Pointer[time.Time]
	disconnectedAt atomic.Pointer[time.Time]
}

type binding struct {
	t       Transport
	remote  netip.AddrPort
	trusted bool

	// Channel logger annotated with the remote address.
	log *slog.Logger

	closed atomic.Bool
}

// close closes the transport on the first call only.
func (b *binding) close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.t.Close()
}

// New returns an open, unbound channel.
//
// If remoteID is non-empty, the local node initiated the connection
// expecting to reach the node with that id;
// otherwise the channel is a responder.
func New(log *slog.Logger, cfg Config, remoteID []byte) *Channel {
	cfg.validate()

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	id := uuid.New()
	c := &Channel{
		log: log.With("channel_id", id.String()),
		cfg: cfg,

		id: id,

		clock:     cfg.Clock,
		createdAt: cfg.Clock.Now(),
	}

	if len(remoteID) > 0 {
		c.role = RoleInitiator
		c.expectedID = bytes.Clone(remoteID)
	}

	return c
}

// Bind attaches c to its transport.
// The remote address and trust status are computed here, once.
func (c *Channel) Bind(t Transport) error {
	if t == nil {
		return &BindingError{Reason: "nil transport"}
	}
	if c.State() != StateOpen {
		return &BindingError{Reason: "channel is " + c.State().String()}
	}

	remote, err := addrPortOf(t.RemoteAddr())
	if err != nil {
		return &BindingError{Reason: "unresolvable remote address", Err: err}
	}

	b := &binding{
		t:       t,
		remote:  remote,
		trusted: c.cfg.Trusted.Contains(remote),

		log: c.log.With("remote_addr", remote.String()),
	}
	if !c.binding.CompareAndSwap(nil, b) {
		return &BindingError{Reason: "already bound"}
	}

	// A teardown that released before the binding was stored
	// had no transport to close.
	if c.State() != StateOpen {
		if err := b.close(); err != nil {
			b.log.Debug("Error closing transport", "err", err)
		}
		return &BindingError{Reason: "channel closed during bind"}
	}

	b.log.Debug("Bound channel", "role", c.role.String(), "trusted", b.trusted)
	return nil
}

func addrPortOf(a net.Addr) (netip.AddrPort, error) {
	switch a := a.(type) {
	case nil:
		return netip.AddrPort{}, errors.New("no remote address")
	case *net.TCPAddr:
		if a == nil {
			return netip.AddrPort{}, errors.New("no remote address")
		}
		ap := a.AddrPort()
		if !ap.Addr().IsValid() {
			return netip.AddrPort{}, fmt.Errorf("invalid TCP address %v", a)
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	case *net.UDPAddr:
		if a == nil {
			return netip.AddrPort{}, errors.New("no remote address")
		}
		ap := a.AddrPort()
		if !ap.Addr().IsValid() {
			return netip.AddrPort{}, fmt.Errorf("invalid UDP address %v", a)
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
}

// ResolveIdentity records the peer's announced node id,
// seen at the bound remote host and advertising the given port.
//
// Only the first call may succeed.
// Later calls return a [*dfault.ProtocolViolation]
// and leave the first identity in place.
func (c *Channel) ResolveIdentity(id []byte, port uint16) error {
	b := c.binding.Load()
	if b == nil {
		return &BindingError{Reason: "identity resolved before bind"}
	}

	if !c.identityClaimed.CompareAndSwap(false, true) {
		return dfault.Violation(
			dfault.CodeDuplicateIdentity,
			"peer identity already resolved as %s", c.PeerID(),
		)
	}

	rec, err := c.cfg.Directory.ResolveOrCreate(id, b.remote.Addr().String(), port)
	if err != nil {
		return &dfault.ProtocolViolation{
			Code: dfault.CodeBadHandshake,
			Msg:  "failed to resolve peer identity",
			Err:  err,
		}
	}

	c.peer.Store(rec)
	c.Log().Debug("Resolved peer identity", "peer_id", rec.HexID(), "advertised_port", port)
	return nil
}

// Send frames payload and hands it to the transport.
//
// Send never blocks on the network and never closes the channel.
// If the channel is not open, the payload is dropped with a warning.
func (c *Channel) Send(payload []byte) {
	b := c.binding.Load()
	if b == nil {
		c.cfg.Metrics.sendDropped()
		c.log.Warn(
			"Send failed as channel is not bound",
			"message_type", messageType(payload),
		)
		return
	}
	if c.State() != StateOpen {
		c.cfg.Metrics.sendDropped()
		b.log.Warn(
			"Send failed as channel has closed",
			"message_type", messageType(payload),
		)
		return
	}

	if max := c.cfg.maxFrameSize(); len(payload) > max {
		c.cfg.Metrics.sendDropped()
		c.Log().Error(
			"Refusing to send oversized payload",
			"message_type", messageType(payload),
			"size", len(payload),
			"max", max,
		)
		return
	}

	frame := dframe.AppendFrame(make([]byte, 0, dframe.EncodedLen(len(payload))), payload)
	mt := messageType(payload)
	b.t.Write(frame, func(err error) {
		if err == nil {
			return
		}
		c.cfg.Metrics.sendFailed()
		if c.State() != StateOpen {
			// Expected while tearing down.
			return
		}
		c.Log().Warn("Failed to send message", "message_type", mt, "err", err)
	})

	// A teardown that raced the write left nothing to record.
	if c.State() != StateOpen {
		return
	}
	now := c.clock.Now()
	c.lastSendAt.Store(&now)
	c.cfg.Metrics.frameSent()
}

// messageType is the first payload byte, or -1 for an empty payload.
func messageType(payload []byte) int {
	if len(payload) == 0 {
		return -1
	}
	return int(payload[0])
}

// HandleHandshakeFrame passes a frame received before the handshake completed
// to the configured [Negotiator].
//
// On acceptance the channel is marked as handshaken
// and the [Registry] is told it is ready, exactly once.
// On rejection the verdict is only relayed;
// disconnecting is the negotiator's responsibility.
func (c *Channel) HandleHandshakeFrame(ctx context.Context, frame []byte) (Verdict, error) {
	v, err := c.cfg.Negotiator.Evaluate(ctx, c, frame)
	if err != nil {
		return Verdict{}, err
	}

	if !v.Accepted {
		return v, nil
	}

	if c.handshakeComplete.CompareAndSwap(false, true) {
		c.cfg.Metrics.handshakeCompleted()
		c.Log().Info("Handshake complete", "peer_id", c.PeerID(), "role", c.role.String())
		c.cfg.Registry.OnReady(c)
	}
	return v, nil
}

// Disconnect tears down c on purpose, for the given reason.
//
// The first teardown notifies the [Registry] with reason.
// If the config has an encoder and the reason is not local,
// a disconnect message is sent before the transport is released.
// Calling Disconnect on a channel that is already tearing down only ensures release.
func (c *Channel) Disconnect(reason DisconnectReason) {
	if c.begin(reason) && !reason.IsLocal() && c.cfg.EncodeDisconnect != nil {
		c.farewell(reason)
	}
	c.release()
}

// farewell writes the disconnect message directly,
// since Send refuses channels that are no longer open.
func (c *Channel) farewell(reason DisconnectReason) {
	b := c.binding.Load()
	if b == nil {
		return
	}

	payload := c.cfg.EncodeDisconnect(reason)
	if len(payload) == 0 || len(payload) > c.cfg.maxFrameSize() {
		return
	}

	frame := dframe.AppendFrame(nil, payload)
	b.t.Write(frame, func(err error) {
		if err != nil {
			c.Log().Debug("Failed to send disconnect message", "reason", reason.String(), "err", err)
		}
	})
}

// Close terminates c unconditionally.
// It is idempotent, and the transport is released exactly once
// no matter how many teardown calls race.
//
// If nothing else started the teardown,
// the [Registry] is notified with [ReasonNormal].
func (c *Channel) Close() {
	c.begin(ReasonNormal)
	c.release()
}

// CloseWithReason is like [*Channel.Close],
// but if it starts the teardown, the [Registry] is notified with reason.
// Nothing is sent to the peer,
// which suits teardowns the peer asked for.
func (c *Channel) CloseWithReason(reason DisconnectReason) {
	c.begin(reason)
	c.release()
}

// HandleFault classifies err, logs it with the severity for its kind,
// and closes the channel.
// Nothing is returned or rethrown.
func (c *Channel) HandleFault(err error) {
	f := dfault.Tag(err)
	f.Log(c.log, c.remoteString())
	c.cfg.Metrics.fault(f.Kind)

	c.begin(faultReason(f.Kind))
	c.release()
}

func faultReason(k dfault.Kind) DisconnectReason {
	switch k {
	case dfault.KindTransport:
		return ReasonTransportFault
	case dfault.KindProtocol:
		return ReasonProtocolFault
	default:
		return ReasonInternalFault
	}
}

// begin moves an open channel to disconnecting.
// Only the caller that wins the transition stamps the time
// and notifies the registry; it reports whether it won.
func (c *Channel) begin(reason DisconnectReason) bool {
	if !c.state.CompareAndSwap(uint32(StateOpen), uint32(StateDisconnecting)) {
		return false
	}

	now := c.clock.Now()
	c.disconnectedAt.Store(&now)

	c.cfg.Metrics.disconnected(reason)
	c.Log().Debug("Disconnecting", "peer_id", c.PeerID(), "reason", reason.String())
	c.cfg.Registry.OnDisconnected(c, reason)
	return true
}

// release moves a disconnecting channel to closed
// and closes the transport if this call made the transition.
func (c *Channel) release() {
	if !c.state.CompareAndSwap(uint32(StateDisconnecting), uint32(StateClosed)) {
		return
	}

	b := c.binding.Load()
	if b == nil {
		return
	}
	if err := b.close(); err != nil {
		c.Log().Debug("Error closing transport", "err", err)
	}
}

// Serve reads frames from the bound transport until the channel closes.
//
// Frames are dispatched one at a time, in arrival order:
// to the [Negotiator] before the handshake completes,
// and to the [Router] afterwards.
// Any read or dispatch failure goes through [*Channel.HandleFault].
// Canceling ctx closes the channel.
//
// Serve returns nil when the channel was closed by some other path,
// the context's cause if ctx was canceled,
// and otherwise the error that faulted the channel.
func (c *Channel) Serve(ctx context.Context) error {
	b := c.binding.Load()
	if b == nil {
		return &BindingError{Reason: "serve before bind"}
	}

	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	r := dframe.NewReader(b.t, c.cfg.maxFrameSize())
	for {
		frame, err := r.ReadFrame()
		if err == nil {
			err = c.dispatch(ctx, frame)
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			c.Close()
			return context.Cause(ctx)
		}
		if c.State() != StateOpen {
			// Someone else tore the channel down, which ended the read.
			return nil
		}

		c.HandleFault(err)
		return err
	}
}

func (c *Channel) dispatch(ctx context.Context, frame []byte) error {
	if c.State() != StateOpen {
		return nil
	}

	if !c.handshakeComplete.Load() {
		_, err := c.HandleHandshakeFrame(ctx, frame)
		return err
	}

	return c.cfg.Router.Route(ctx, c, frame)
}

// ID is the random session identifier of c.
func (c *Channel) ID() uuid.UUID {
	return c.id
}

func (c *Channel) Role() Role {
	return c.role
}

// ExpectedID is the node id an initiator dialed,
// or nil for a responder.
func (c *Channel) ExpectedID() []byte {
	return c.expectedID
}

// RemoteAddr is the bound peer address,
// or the zero value before [*Channel.Bind].
func (c *Channel) RemoteAddr() netip.AddrPort {
	if b := c.binding.Load(); b != nil {
		return b.remote
	}
	return netip.AddrPort{}
}

// IsTrusted reports whether the bound remote address is in the trusted set.
func (c *Channel) IsTrusted() bool {
	b := c.binding.Load()
	return b != nil && b.trusted
}

// Peer is the resolved peer record, or nil.
func (c *Channel) Peer() *dnode.Record {
	return c.peer.Load()
}

// PeerID is the hex node id of the peer, or "<null>" if not yet resolved.
func (c *Channel) PeerID() string {
	if rec := c.peer.Load(); rec != nil {
		return hex.EncodeToString(rec.ID)
	}
	return unknownPeerID
}

func (c *Channel) HandshakeComplete() bool {
	return c.handshakeComplete.Load()
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

// IsDisconnected reports whether teardown has started.
func (c *Channel) IsDisconnected() bool {
	return c.State() != StateOpen
}

func (c *Channel) CreatedAt() time.Time {
	return c.createdAt
}

// LastSendAt is the time of the last dispatched send,
// or the zero time if nothing was sent.
func (c *Channel) LastSendAt() time.Time {
	if t := c.lastSendAt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// DisconnectedAt is when teardown started,
// or the zero time while the channel is open.
func (c *Channel) DisconnectedAt() time.Time {
	if t := c.disconnectedAt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// Log is the channel's logger, annotated with its id and remote address.
func (c *Channel) Log() *slog.Logger {
	if b := c.binding.Load(); b != nil {
		return b.log
	}
	return c.log
}

func (c *Channel) remoteString() string {
	if b := c.binding.Load(); b != nil {
		return b.remote.String()
	}
	return "<unbound>"
}
