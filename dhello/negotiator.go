package dhello

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/deval"
	"github.com/gordian-engine/drake/internal/dpmsg"
)

// Config is the configuration for [NewNegotiator].
type Config struct {
	// The local node id, announced to every peer.
	NodeID []byte

	// The port announced to peers.
	AdvertisePort uint16

	// Peers on a different network are refused.
	NetworkID uint32

	Evaluator deval.PeerEvaluator

	// Source of hello timestamps.
	// Defaults to the wall clock.
	Clock clock.Clock
}

func (c Config) validate() {
	var err error

	if len(c.NodeID) == 0 {
		err = errors.Join(err, errors.New("NodeID must not be empty"))
	}
	if c.Evaluator == nil {
		err = errors.Join(err, errors.New("Evaluator must not be nil"))
	}

	if err != nil {
		panic(fmt.Errorf("BUG: invalid hello config: %w", err))
	}
}

// Negotiator is the [dchannel.Negotiator] for the hello handshake.
type Negotiator struct {
	log *slog.Logger
	cfg Config
}

var _ dchannel.Negotiator = (*Negotiator)(nil)

// NewNegotiator returns a Negotiator for cfg.
// It panics if cfg is invalid.
func NewNegotiator(log *slog.Logger, cfg Config) *Negotiator {
	cfg.validate()

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.NodeID = bytes.Clone(cfg.NodeID)

	return &Negotiator{log: log, cfg: cfg}
}

func (n *Negotiator) hello(code dchannel.DisconnectReason) []byte {
	return Hello{
		NodeID:    n.cfg.NodeID,
		Port:      n.cfg.AdvertisePort,
		NetworkID: n.cfg.NetworkID,
		Code:      code,
		Timestamp: n.cfg.Clock.Now().UnixMilli(),
	}.Encode()
}

// Begin starts the handshake on a bound initiator channel
// by sending the local hello.
// It does nothing for responder channels,
// which wait for the remote hello instead.
func (n *Negotiator) Begin(ch *dchannel.Channel) {
	if ch.Role() != dchannel.RoleInitiator {
		return
	}
	ch.Send(n.hello(dchannel.ReasonNormal))
}

// Evaluate implements [dchannel.Negotiator].
func (n *Negotiator) Evaluate(ctx context.Context, ch *dchannel.Channel, frame []byte) (dchannel.Verdict, error) {
	t, _ := dpmsg.TypeOf(frame)
	if t == dpmsg.DisconnectMessageType {
		// The peer refused us before the handshake finished.
		reason, err := DecodeDisconnect(frame)
		if err != nil {
			return dchannel.Verdict{}, err
		}
		ch.Log().Info("Peer refused handshake", "reason", reason.String())
		ch.CloseWithReason(reason)
		return dchannel.Verdict{Reason: reason}, nil
	}

	h, err := DecodeHello(frame)
	if err != nil {
		return dchannel.Verdict{}, err
	}

	if ch.Role() == dchannel.RoleInitiator {
		return n.evaluateReply(ctx, ch, h)
	}
	return n.evaluateRequest(ctx, ch, h)
}

// evaluateRequest handles the initiator's hello on the responding side.
func (n *Negotiator) evaluateRequest(ctx context.Context, ch *dchannel.Channel, h Hello) (dchannel.Verdict, error) {
	if h.NetworkID != n.cfg.NetworkID {
		return n.refuse(ch, h, dchannel.ReasonDifferentVersion), nil
	}

	if err := ch.ResolveIdentity(h.NodeID, h.Port); err != nil {
		return dchannel.Verdict{}, err
	}

	d := n.cfg.Evaluator.ConsiderPeer(ctx, deval.Candidate{
		NodeID:     h.NodeID,
		RemoteAddr: ch.RemoteAddr(),
		Trusted:    ch.IsTrusted(),
		Role:       dchannel.RoleResponder,
	})
	if d.Reject {
		return n.refuse(ch, h, d.Reason), nil
	}

	ch.Send(n.hello(dchannel.ReasonNormal))
	return dchannel.Verdict{Accepted: true}, nil
}

// evaluateReply handles the responder's hello on the initiating side.
func (n *Negotiator) evaluateReply(ctx context.Context, ch *dchannel.Channel, h Hello) (dchannel.Verdict, error) {
	if h.Code != dchannel.ReasonNormal {
		ch.Log().Info(
			"Peer refused handshake",
			"peer_id", hex.EncodeToString(h.NodeID),
			"reason", h.Code.String(),
		)
		ch.CloseWithReason(h.Code)
		return dchannel.Verdict{Reason: h.Code}, nil
	}

	if h.NetworkID != n.cfg.NetworkID {
		return n.refuse(ch, h, dchannel.ReasonDifferentVersion), nil
	}

	if want := ch.ExpectedID(); len(want) > 0 && !bytes.Equal(want, h.NodeID) {
		ch.Log().Warn(
			"Dialed peer announced a different node id",
			"expected_peer_id", hex.EncodeToString(want),
			"peer_id", hex.EncodeToString(h.NodeID),
		)
		ch.Disconnect(dchannel.ReasonUnexpectedIdentity)
		return dchannel.Verdict{Reason: dchannel.ReasonUnexpectedIdentity}, nil
	}

	if err := ch.ResolveIdentity(h.NodeID, h.Port); err != nil {
		return dchannel.Verdict{}, err
	}

	d := n.cfg.Evaluator.ConsiderPeer(ctx, deval.Candidate{
		NodeID:     h.NodeID,
		RemoteAddr: ch.RemoteAddr(),
		Trusted:    ch.IsTrusted(),
		Role:       dchannel.RoleInitiator,
	})
	if d.Reject {
		ch.Disconnect(d.Reason)
		return dchannel.Verdict{Reason: d.Reason}, nil
	}

	return dchannel.Verdict{Accepted: true}, nil
}

// refuse tells the initiator why it was turned away,
// both in a hello reply and the disconnect message that follows it.
func (n *Negotiator) refuse(ch *dchannel.Channel, h Hello, reason dchannel.DisconnectReason) dchannel.Verdict {
	ch.Log().Info(
		"Refusing peer",
		"peer_id", hex.EncodeToString(h.NodeID),
		"network_id", h.NetworkID,
		"reason", reason.String(),
	)
	if ch.Role() == dchannel.RoleResponder {
		ch.Send(n.hello(reason))
	}
	ch.Disconnect(reason)
	return dchannel.Verdict{Reason: reason}
}

// HandleDisconnect handles a disconnect message received after the handshake.
// It is meant to be registered with the router.
func HandleDisconnect(_ context.Context, ch *dchannel.Channel, frame []byte) error {
	reason, err := DecodeDisconnect(frame)
	if err != nil {
		return err
	}
	ch.Log().Info("Peer disconnected", "peer_id", ch.PeerID(), "reason", reason.String())
	ch.CloseWithReason(reason)
	return nil
}
