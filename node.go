package drake

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/dconn"
	"github.com/gordian-engine/drake/dhello"
	"github.com/gordian-engine/drake/dkeepalive"
	"github.com/gordian-engine/drake/dnode"
	"github.com/gordian-engine/drake/dquic"
	"github.com/gordian-engine/drake/drouter"
	"github.com/gordian-engine/drake/dview"
	"github.com/gordian-engine/drake/internal/dpmsg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
)

// Node is a node in the p2p layer.
// It accepts channels on a TCP listener, a QUIC listener, or both,
// and dials other nodes on request.
type Node struct {
	log *slog.Logger

	// Channels are served under serveCtx,
	// which is canceled only after ready channels were told the node is leaving.
	serveCtx context.Context

	eg *errgroup.Group

	// Channel serve goroutines.
	wg sync.WaitGroup

	chCfg dchannel.Config
	conn  dconn.Config

	dir  *dnode.Directory
	pool *dview.Pool
	neg  *dhello.Negotiator
	mux  *drouter.Mux

	listener net.Listener

	quicListener *quic.Listener
	quicDialer   *dquic.Dialer
}

// NodeConfig is the configuration for a [Node].
type NodeConfig struct {
	// Accepts TCP channels. May be nil.
	// The node closes it when its context is canceled.
	Listener net.Listener

	// Carries QUIC channels, inbound and dialed. May be nil.
	// The node does not close it.
	UDPConn *net.UDPConn

	// Defaults to [dquic.DefaultConfig].
	QUIC *quic.Config

	// Server side TLS for the QUIC listener.
	// If nil, a self-signed certificate is generated.
	// Node identity is established by the hello handshake, not by TLS.
	TLS *tls.Config

	// The id announced to every peer.
	NodeID []byte

	// The port announced to peers.
	AdvertisePort uint16

	// Peers announcing a different network id are refused.
	NetworkID uint32

	// Addresses whose channels are trusted.
	Trusted dchannel.TrustSet

	// How long a channel may go without receiving anything.
	// Zero means [dconn.DefaultReadIdleTimeout].
	ReadIdleTimeout time.Duration

	// Zero means the frame codec default.
	MaxFrameSize int

	Pool dview.PoolConfig

	// Maximum number of remembered node records.
	// Zero uses the directory default.
	DirectoryCapacity int

	// Zero means [dkeepalive.DefaultInterval].
	// Negative disables pinging; pings from peers are still answered.
	// When enabled it must be shorter than the read idle timeout.
	KeepaliveInterval time.Duration

	// Channel metrics are registered here if set.
	Metrics prometheus.Registerer

	// Defaults to the wall clock.
	Clock clock.Clock
}

// validate panics if there are any illegal settings in the configuration.
func (c NodeConfig) validate() {
	// Collect every problem so the panic is maximally helpful.
	var panicErrs error

	if len(c.NodeID) == 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.NodeID must not be empty"),
		)
	}

	if c.ReadIdleTimeout < 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.ReadIdleTimeout must not be negative"),
		)
	}

	if c.MaxFrameSize < 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.MaxFrameSize must not be negative"),
		)
	}

	if c.KeepaliveInterval >= 0 && c.ReadIdleTimeout >= 0 {
		idle := c.ReadIdleTimeout
		if idle == 0 {
			idle = dconn.DefaultReadIdleTimeout
		}
		interval := c.KeepaliveInterval
		if interval == 0 {
			interval = dkeepalive.DefaultInterval
		}
		// Pings must arrive before the peer's idle deadline.
		if interval >= idle {
			panicErrs = errors.Join(panicErrs, fmt.Errorf(
				"NodeConfig.KeepaliveInterval (%s) must be shorter than the read idle timeout (%s)",
				interval, idle,
			))
		}
	}

	if c.TLS != nil && c.UDPConn == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("NodeConfig.TLS is only used with NodeConfig.UDPConn"),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// NewNode returns a new Node with the given configuration.
// The ctx parameter controls the lifecycle of the Node;
// cancel the context to stop the node,
// and then use [(*Node).Wait] to block until all background work has completed.
//
// NewNode returns runtime errors that happen during initialization.
// Configuration errors cause a panic.
func NewNode(ctx context.Context, log *slog.Logger, cfg NodeConfig) (*Node, error) {
	cfg.validate()

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	dir := dnode.New(log.With("node_sys", "directory"), dnode.Config{
		Capacity: cfg.DirectoryCapacity,
		Clock:    cfg.Clock,
	})
	pool := dview.NewPool(log.With("node_sys", "pool"), cfg.Pool)
	neg := dhello.NewNegotiator(log.With("node_sys", "hello"), dhello.Config{
		NodeID:        cfg.NodeID,
		AdvertisePort: cfg.AdvertisePort,
		NetworkID:     cfg.NetworkID,
		Evaluator:     pool,
		Clock:         cfg.Clock,
	})

	mux := drouter.NewMux(log.With("node_sys", "router"))
	mux.Handle(dpmsg.PingMessageType, dkeepalive.HandlePing)
	mux.Handle(dpmsg.PongMessageType, dkeepalive.HandlePong)
	mux.Handle(dpmsg.DisconnectMessageType, dhello.HandleDisconnect)

	eg, egCtx := errgroup.WithContext(ctx)

	serveCtx, cancelServe := context.WithCancelCause(context.WithoutCancel(ctx))

	n := &Node{
		log:      log,
		serveCtx: serveCtx,
		eg:       eg,

		chCfg: dchannel.Config{
			Directory:        dir,
			Registry:         pool,
			Negotiator:       neg,
			Router:           mux,
			Trusted:          cfg.Trusted,
			MaxFrameSize:     cfg.MaxFrameSize,
			Clock:            cfg.Clock,
			Metrics:          dchannel.NewMetrics(cfg.Metrics),
			EncodeDisconnect: dhello.EncodeDisconnect,
		},
		conn: dconn.Config{ReadIdleTimeout: cfg.ReadIdleTimeout},

		dir:  dir,
		pool: pool,
		neg:  neg,
		mux:  mux,

		listener: cfg.Listener,
	}

	if cfg.UDPConn != nil {
		if err := n.startQUIC(ctx, cfg); err != nil {
			cancelServe(err)
			// Assume error already wrapped.
			return nil, err
		}
		eg.Go(func() error {
			n.acceptQUIC(egCtx)
			return nil
		})
	}

	if cfg.Listener != nil {
		context.AfterFunc(ctx, func() {
			_ = cfg.Listener.Close()
		})
		eg.Go(func() error {
			n.acceptTCP(egCtx)
			return nil
		})
	}

	if cfg.KeepaliveInterval >= 0 {
		p := dkeepalive.New(log.With("node_sys", "keepalive"), pool, dkeepalive.Config{
			Interval: cfg.KeepaliveInterval,
			Clock:    cfg.Clock,
		})
		eg.Go(func() error {
			p.Run(egCtx)
			return nil
		})
	}

	// Tell ready peers why we are leaving before their serve loops are canceled,
	// so the disconnect message is queued ahead of the transport close.
	context.AfterFunc(ctx, func() {
		pool.DisconnectAll(dchannel.ReasonNormal)
		cancelServe(context.Cause(ctx))
	})

	return n, nil
}

// startQUIC starts the QUIC listener and prepares the QUIC dialer,
// both on the configured UDP connection.
func (n *Node) startQUIC(ctx context.Context, cfg NodeConfig) error {
	quicConf := cfg.QUIC
	if quicConf == nil {
		quicConf = dquic.DefaultConfig()
	}

	tlsConf := cfg.TLS
	if tlsConf == nil {
		cert, err := dquic.GenerateCertificate(365 * 24 * time.Hour)
		if err != nil {
			return fmt.Errorf("failed to generate QUIC certificate: %w", err)
		}
		tlsConf = dquic.ServerTLSConfig(cert)
	}

	qt := dquic.MakeTransport(ctx, cfg.UDPConn)
	ql, err := dquic.StartListener(tlsConf, quicConf, qt)
	if err != nil {
		return err
	}

	n.quicListener = ql
	n.quicDialer = &dquic.Dialer{
		TLSConf:       dquic.ClientTLSConfig(),
		QUICTransport: qt,
		QUICConfig:    quicConf,
	}
	return nil
}

// Wait blocks until the node has finished all background work.
func (n *Node) Wait() {
	if err := n.eg.Wait(); err != nil {
		n.log.Warn("Background work failed", "err", err)
	}
	n.wg.Wait()
}

// Pool is the set of channels that completed their handshake.
func (n *Node) Pool() *dview.Pool {
	return n.pool
}

// Directory holds the records of every node seen during a handshake.
func (n *Node) Directory() *dnode.Directory {
	return n.dir
}

// Handle registers an application handler for message type t.
// It panics if t is reserved or already handled.
func (n *Node) Handle(t byte, h drouter.HandlerFunc) {
	if dpmsg.MessageType(t) >= dpmsg.MinReservedMessageType {
		panic(fmt.Errorf("BUG: message type 0x%02x is reserved", t))
	}
	n.mux.Handle(dpmsg.MessageType(t), h)
}

// Broadcast sends payload to every ready channel,
// returning the number of channels it was handed to.
func (n *Node) Broadcast(payload []byte) int {
	return n.pool.Broadcast(payload)
}

// Addr is the address of the TCP listener, or nil if there is none.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// QUICAddr is the address of the QUIC listener, or nil if there is none.
func (n *Node) QUICAddr() net.Addr {
	if n.quicListener == nil {
		return nil
	}
	return n.quicListener.Addr()
}

// acceptTCP accepts TCP channels until the listener is closed.
func (n *Node) acceptTCP(ctx context.Context) {
	for {
		c, err := n.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				n.log.Info(
					"TCP accept loop quitting",
					"cause", context.Cause(ctx),
				)
				return
			}

			n.log.Debug("Failed to accept incoming connection", "err", err)
			continue
		}

		if _, err := n.startChannel(c, nil); err != nil {
			n.log.Info(
				"Failed to start incoming channel",
				"remote_addr", c.RemoteAddr().String(),
				"err", err,
			)
		}
	}
}

// acceptQUIC accepts QUIC connections until ctx is canceled.
// Each accepted connection waits for its channel stream on its own goroutine.
func (n *Node) acceptQUIC(ctx context.Context) {
	for {
		qc, err := n.quicListener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				n.log.Info(
					"QUIC accept loop quitting",
					"cause", context.Cause(ctx),
				)
				return
			}

			// Debug-level because this could be spammy if we are getting a lot of garbage connections.
			n.log.Debug("Failed to accept incoming connection", "err", err)
			continue
		}

		conn := dquic.WrapConn(qc)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.acceptQUICStream(ctx, conn)
		}()
	}
}

func (n *Node) acceptQUICStream(ctx context.Context, conn dquic.Conn) {
	// A peer that opens a connection must open its stream promptly.
	ctx, cancel := context.WithTimeout(ctx, n.streamTimeout())
	defer cancel()

	s, err := dquic.AcceptStream(ctx, conn)
	if err != nil {
		n.log.Debug(
			"Incoming QUIC connection did not open a channel stream",
			"remote_addr", conn.RemoteAddr().String(),
			"err", err,
		)
		return
	}

	if _, err := n.startChannel(dconn.QUICStream{Conn: conn, Stream: s}, nil); err != nil {
		n.log.Info(
			"Failed to start incoming channel",
			"remote_addr", conn.RemoteAddr().String(),
			"err", err,
		)
	}
}

func (n *Node) streamTimeout() time.Duration {
	if n.conn.ReadIdleTimeout > 0 {
		return n.conn.ReadIdleTimeout
	}
	return dconn.DefaultReadIdleTimeout
}

// startChannel binds a new channel to s and serves it in the background.
// A non-empty remoteID makes the channel an initiator, which sends its hello.
func (n *Node) startChannel(s dconn.Stream, remoteID []byte) (*dchannel.Channel, error) {
	t := dconn.New(n.log.With("remote_addr", s.RemoteAddr().String()), s, n.conn)

	ch := dchannel.New(n.log, n.chCfg, remoteID)
	if err := ch.Bind(t); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("failed to bind channel: %w", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := ch.Serve(n.serveCtx); err != nil {
			// Already logged as a fault, or the node is stopping.
			ch.Log().Debug("Channel stopped", "err", err)
		}
	}()

	n.neg.Begin(ch)
	return ch, nil
}
